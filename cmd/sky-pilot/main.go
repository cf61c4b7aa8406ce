package main

import "github.com/skylink-io/skylink/cmd/sky-pilot/app"

func main() {
	app.NewApp().Run()
}
