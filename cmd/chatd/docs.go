package main

// General API documentation for swaggo. Run `swag init -g cmd/chatd/docs.go -o docs` to regenerate.
//
// @title           chatd API
// @version         1.0
// @description     Prompt continuation gateway with last-response latency metrics.
//
// @contact.name   chatd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
