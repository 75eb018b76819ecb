package main

import (
	"pluriform/cmd/cmd"
	"pluriform/internal/logger"
)

func main() {
	logger.Init()
	cmd.Execute()
}
