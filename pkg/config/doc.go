// Package config loads and validates the configuration of the coalesce CLI.
//
// # Sources
//
// Values are layered, later sources winning:
//   - Default()
//   - a YAML, JSON or TOML file passed to Load
//   - COALESCE_* environment variables
//   - command line flags, applied by the CLI after Load
//
// # Environment Variable Substitution
//
//	# coalesce.yaml
//	coalesce:
//	  target_batch_size: ${BATCH_ROWS}
//	output:
//	  directory: /data/out
//	  compression: zstd
//
// # Validation
//
// Load validates the merged configuration. Callers that build a Config by
// hand should call Validate themselves.
package config
