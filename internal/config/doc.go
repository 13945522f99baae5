// Package config loads the proxy configuration from YAML.
//
// Values of the form ${VAR} and ${VAR:-default} are substituted from the
// environment before parsing; $$ yields a literal dollar sign. Durations
// are written as Go duration strings such as "30s" or "1m30s".
//
// A minimal configuration:
//
//	transport:
//	  maxConnectionsPerIP: 100
//	  idleTimeout: 2m
//	store:
//	  type: memory
//	  capacity: 1000
//	rules:
//	  - name: shop
//	    port: 8080
//	    match:
//	      path: /shop/
//	    target:
//	      host: shop.internal
//	      port: 9000
//
// Watcher reloads the file on change and hands every valid configuration
// to a callback; invalid edits are logged and ignored.
package config
