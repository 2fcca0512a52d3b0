// Command desk runs the conversation server.
//
//	desk                                        serve HTTP, websocket, and metrics
//	desk issue-session -user <id> -role <role>  mint an access token
package main

import (
	"log"
	"os"

	"desk/cmd/internal/app"
)

func main() {
	if err := app.Run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
