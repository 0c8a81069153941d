package main

import "github.com/caseworks/fieldsync/cmd"

func main() {
	cmd.Execute()
}
