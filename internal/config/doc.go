// Package config loads the protosup configuration.
//
// Configuration comes from two layers, higher overriding lower:
//
//	┌─────────────────────────────┐
//	│  2. Environment Variables   │  ← PROTOSUP_*
//	├─────────────────────────────┤
//	│  1. Config File             │  ← protosup.toml / protosup.yaml
//	└─────────────────────────────┘
//
// A missing config file is not an error; the built-in defaults apply.
//
// # File Format
//
// TOML or YAML, chosen by file extension:
//
//	log_level = "info"
//
//	[provisioning]
//	root = ".venv"
//	python = "python3"
//	reuse = true
//
//	[servers.dap]
//	kind = "debugpy"
//	port = 5678
//	target = "app.py"
//	shutdown_timeout = "5s"
//
//	[servers.dap.env]
//	PYDEVD_DISABLE_FILE_VALIDATION = "1"
//
// # Environment Variables
//
//	PROTOSUP_LOG_LEVEL              log_level
//	PROTOSUP_LOG_DIR                log_dir
//	PROTOSUP_PROVISIONING_ROOT      provisioning.root
//	PROTOSUP_PROVISIONING_PYTHON    provisioning.python
//	PROTOSUP_PROVISIONING_REUSE     provisioning.reuse
//	PROTOSUP_SERVERS_<NAME>_<FIELD> servers.<name>.<field>
//
// <NAME> is the server name upper-cased with '-' replaced by '_'. <FIELD>
// is one of HOST, PORT, TARGET, ENVIRONMENT, WORK_DIR or SHUTDOWN_TIMEOUT.
// Server overrides only apply to servers declared in the file.
package config
