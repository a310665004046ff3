// Package config loads host configuration from a TOML file with ${VAR}
// expansion and DATASTACK_* environment overrides.
//
// Example file:
//
//	schema_name = "Notes"
//	documents_dir = "${HOME}/notes"
//
//	[store]
//	auto_migrate = true
//	infer_mapping = true
//	wiring = "parent"
//	merge_policy = "store_trump"
//
//	[log]
//	level = "debug"
//	format = "json"
package config
