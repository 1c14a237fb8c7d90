// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-overcache - Offline-First Document Cache")
	fmt.Println("==============================================")
	fmt.Println()
	fmt.Println("go-overcache keeps a local cache of remote documents, applies writes optimistically,")
	fmt.Println("queues them while offline and reconciles with the remote store once reconnected.")
	fmt.Println()

	fmt.Println("📦 Packages:")
	fmt.Println("   overcache   - client cache, change log and sync engine")
	fmt.Println("   overremote  - reference remote store, HTTP/WebSocket server and channels")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Habits Server (examples/habits_server/)")
	fmt.Println("   Reference sync server with memory or PostgreSQL storage")
	fmt.Println("   Features: JWT auth, versioned writes, live WebSocket subscriptions")
	fmt.Println("   Run: go run ./examples/habits_server  (STORE=postgres DATABASE_URL=... for Postgres)")
	fmt.Println()

	fmt.Println("2. 📱 Habits Client (examples/habits_client/)")
	fmt.Println("   A habit with a completion counter edited offline, then synced on reconnect")
	fmt.Println("   Run: go run ./examples/habits_client -server http://localhost:8080")
	fmt.Println("        go run ./examples/habits_client   (in-process, no server needed)")
	fmt.Println()
}
