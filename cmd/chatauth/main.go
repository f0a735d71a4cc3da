// Command chatauth はチャットボット向けの認証APIサーバーとワーカーを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/chatauth/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chatauth: %v\n", err)
		os.Exit(1)
	}
}
