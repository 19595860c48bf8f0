// Package config loads the dokkusync configuration file.
//
// The file is YAML and every key is optional:
//
//	host: paas.example.com
//	port: 22
//	user: dokku
//	transport: exec          # exec (external ssh client) or ssh (native)
//	ssh_command: [ssh, -o, BatchMode=yes]
//	identity_file: ~/.ssh/id_ed25519
//	known_hosts: ~/.ssh/known_hosts
//	strict_host_key_checking: true
//	tool: dokku
//	admin_identities: [root, dokku]
//	service_account: dokku
//	superusers: [root]
//	key_inspector: native    # native or ssh-keygen
//	key_timeout: 10s
//	log:
//	  level: info
//	  format: console
//	metrics_file: /var/lib/node_exporter/dokkusync.prom
//	tracing:
//	  exporter: none         # none, stdout or otlp
//	  endpoint: localhost:4317
//	journal: /var/lib/dokkusync/journal.db
//
// An empty host means the platform runs on this machine. Command line
// flags override file values.
package config
