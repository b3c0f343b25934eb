// Package config loads security group definitions from files and renders
// groups back into their canonical document.
//
// # Documents
//
// YAML and JSON files use an envelope:
//
//	document: sgmanager-groups
//	version: 1
//	data:
//	  - web:
//	      description: Web servers
//	      tags: [team=web]
//	      rules:
//	        - protocol: tcp
//	          port: 443
//	        - protocol: tcp
//	          port: 22
//	          cidr: [10.0.0.0/8]
//	  - db:
//	      rules:
//	        - protocol: tcp
//	          port: 5432
//	          groups: [web]
//
// Every entry of data maps exactly one group name to its definition.
//
// # Legacy files
//
// A top-level mapping without a document key is the historical format:
// group names map directly to definitions, and an include key holds
// mappings merged into the file without overwriting what it defines. Rule
// keys port_from and port_to are accepted as aliases of port_min and
// port_max, and cidr or groups may be a single string.
//
// # Includes
//
// The !include tag replaces a node with the content of another YAML file,
// resolved relative to the including file. Applied to a sequence, it
// yields the sequence of included documents.
//
// # HCL
//
// Files ending in .hcl describe groups as blocks:
//
//	group "web" {
//	  description = "Web servers"
//	  rule {
//	    protocol = "tcp"
//	    port     = 443
//	  }
//	}
package config
