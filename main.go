package main

import "github.com/rbdotrun/kml/cmd"

func main() {
	cmd.Execute()
}
