// Package app provides application initialization and lifecycle management
// for the licensing server. It orchestrates configuration loading, service
// initialization and graceful shutdown.
//
// # Initialization Flow
//
// The startup sequence:
//
//	1. Load configuration from environment and files
//	2. Initialize logging and observability
//	3. Open the document store and counter cache
//	4. Initialize the domain services with their dependencies
//	5. Set up HTTP handlers and middleware
//	6. Configure the HTTP server
//
// # Usage
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := application.Run(); err != nil {
//	    log.Fatal(err)
//	}
package app
