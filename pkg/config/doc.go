// Package config loads the stratus daemon and deployer configuration and
// validates order payloads.
//
// # Daemon configuration
//
// Config is read from YAML over DefaultConfig and then overridden from
// STRATUS_* environment variables:
//
//	store:
//	  driver: sqlite
//	  path: /var/lib/stratus/stratus.db
//	gateway:
//	  correlations: redis
//	  default_deployer: local
//	deployers:
//	  local:
//	    work_dir: /var/lib/stratus/runs
//	  remote:
//	    - name: eu-west
//	      endpoint: https://deployer.eu-west.example.com
//	      callback_base_url: https://stratus.example.com
//	redis:
//	  url: redis://localhost:6379/0
//
// Unknown keys are rejected. Validate checks struct tags with validator and
// cross-section references such as the default deployer.
//
// # Payload schemas
//
// SchemaRegistry validates order payloads with CUE. Every order type starts
// from a built-in schema; operators narrow them with .cue files:
//
//	schemas: deploy: #Payload & {
//		variables: size: "small" | "medium" | "large"
//	}
//
// Validation failures are returned as ValidationErrors carrying the CUE path
// and, for schema files, the source position.
package config
