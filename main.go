package main

import "github.com/joho/godotenv"

func main() {
	if e := godotenv.Load(); e != nil {
		LogDebug("No .env file loaded: " + e.Error())
	}

	LogInfo("RTMP Go Server (Version 1.0.0)")

	server := CreateRTMPServer()
	if server == nil {
		return
	}

	go setupRedisCommandReceiver(server)

	server.Start()
}
