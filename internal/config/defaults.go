package config

// DefaultConfigYAML contains the default configuration YAML content.
// This is used by `aiida-engine init` and matches the loader defaults.
const DefaultConfigYAML = `# AiiDA engine configuration
#
# Values not specified here use the built-in defaults.
# Every key can be overridden with an AIIDA_* environment variable,
# e.g. AIIDA_STORAGE_ENGINE=postgres.

log:
  level: info
  format: auto
  # file: .aiida/daemon/log/daemon.log
  max_size_mb: 100
  max_backups: 5
  max_age_days: 30

storage:
  # sqlite, postgres or mysql
  engine: sqlite
  path: .aiida/repository/aiida.db
  # host: localhost
  # port: 5432
  # user: aiida
  # password: ""
  # name: aiida

runner:
  poll_interval: 5s
  # Hand submitted processes to the broker instead of running them locally.
  rmq_submit: false
  enable_persistence: true

broker:
  enabled: false
  backend: redis
  host: localhost
  port: 6379
  db: 0
  prefix: aiida

daemon:
  # Current roster (tick_work + launch pending jobs) when true,
  # legacy submit/update/retrieve roster when false.
  use_new: true
  dir: .aiida/daemon
  # A workflow stepper run that started longer ago than this and never
  # recorded its stop is considered crashed and is overridden.
  stale_after: 1h
  intervals:
    submit: 30s
    update: 30s
    retrieve: 30s
    workflow_step: 5s
    tick_workflows: 5s
  computers:
    - name: localhost
      transport: local
      work_dir: .aiida/scratch
      enabled: true

api:
  enabled: false
  addr: 127.0.0.1:8765
  allowed_origins: []
`
