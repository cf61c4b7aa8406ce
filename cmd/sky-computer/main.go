package main

import "github.com/skylink-io/skylink/cmd/sky-computer/app"

func main() {
	app.NewApp().Run()
}
