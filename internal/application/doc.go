// Package application provides application initialization and dependency wiring.
// It turns resolved settings into the logging registry, the installed
// component order, token storage, the template engine, static and media
// serving, the job queue and push dispatcher, and finally the HTTP router and
// server, keeping the main package focused on CLI parsing and orchestration.
package application
