package main

import "job-app-tracker-go/internal/app"

func main() {
	app.Execute()
}
