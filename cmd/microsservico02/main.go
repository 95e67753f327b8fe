// Package main is the entry point for the microsservico02 service.
//
// @title          microsservico02 API
// @version        1.0
// @description    Web service that registers itself with a service registry and exposes health, status and discovery endpoints.
// @host           localhost:8080
// @BasePath       /
// @schemes        http
package main

func main() {
	Execute()
}
