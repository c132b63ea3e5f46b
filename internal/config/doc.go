// Package config provides scenario configuration for testbed.
//
// This package implements a layered configuration system. A scenario is
// loaded from multiple sources and merged in a specific order, with later
// sources overriding earlier ones.
//
// # Configuration Layers
//
//  1. Default configuration (built in)
//
//  2. User configuration (~/.config/testbed/config.yaml)
//     - Personal settings such as the container runtime binary
//
//  3. Project configuration (./.testbed/config.yaml)
//     - Settings shared by a team via version control
//
//  4. The scenario file passed on the command line
//
// Services are merged by name. A service first declared in an earlier
// layer keeps its position, which matters because services start in
// declaration order.
//
// # Configuration Structure
//
//	environment: local            # local, kubernetes or openshift
//	propertiesFile: test.properties
//	startup:
//	  timeout: 5m
//	  pollInterval: 4s
//	logs:
//	  enabled: true               # mirror service output to the console
//	network:
//	  mode: shared                # or "new" for one network per scenario
//	services:
//	  - name: db
//	    image: postgres:16
//	    port: 5432
//	    expectedLog: "ready to accept connections"
//	    properties:
//	      POSTGRES_PASSWORD: secret
//	  - name: app
//	    command: ./bin/app --profile test
//	    port: 8080
//	    readiness:
//	      http:
//	        path: /health
//	    properties:
//	      db.url: "postgres://${db.host}:${db.port}/app"
//	      tls.cert: "secret::certs/tls.crt"
//
// Property values may refer to the host, port or endpoint of a service
// declared earlier. Such values are resolved right before the service
// starts, once the referenced service is ready.
package config
