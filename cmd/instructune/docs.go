package main

// General API documentation for swaggo. Regenerate internal/httpapi/docs with
// `swag init -g cmd/instructune/docs.go -o internal/httpapi/docs`.
//
// @title           instructune API
// @version         1.0
// @description     HTTP API for serving instruction-tuned adapters and merged models.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
