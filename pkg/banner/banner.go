package banner

import (
	"fmt"

	"chatd/pkg/config"
)

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗██████╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝██╔══██╗
██║     ███████║███████║   ██║   ██║  ██║
██║     ██╔══██║██╔══██║   ██║   ██║  ██║
╚██████╗██║  ██║██║  ██║   ██║   ██████╔╝
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚═════╝
`

// PrintWithEff prints the banner using an EffectiveConfigResult which
// provides runtime context (config, addr, dbpath, source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	var addr = eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	var dbPath = eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Server.DBPath
	}
	var src = eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config: %s\n", src)

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /v1/chats - Resolve a conversation (JSON: userId, ownerId)")
	fmt.Println("POST /v1/chats/{key}/messages - Send a message (JSON: senderId, body)")
	fmt.Println("GET  /v1/chats/{key}/messages?limit=<n> - Conversation history")
	fmt.Println("POST /v1/chats/{key}/read - Clear the unread counter")
	fmt.Println("GET  /v1/participants/{id}/chats - Conversation summaries")
	fmt.Println("WS   /ws?participant=<id> - Realtime rooms")

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/chats' -d '{\"userId\":\"u1\",\"ownerId\":\"o1\"}'")
	fmt.Println("curl 'http://<host>:<port>/v1/chats/o1_u1/messages?limit=10'")

	fmt.Println("\n== Production? =================================================")
	be := 0
	fe := 0
	ak := 0
	if eff.Config != nil {
		be = len(eff.Config.Security.APIKeys.Backend)
		fe = len(eff.Config.Security.APIKeys.Frontend)
		ak = len(eff.Config.Security.APIKeys.Admin)
	}
	if be > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", be)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for backend services)")
	}
	if fe > 0 {
		fmt.Printf("- Frontend API keys: OK (%d)\n", fe)
	} else {
		fmt.Println("- Frontend API keys: MISSING (required for client access)")
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for admin tooling)")
	}

	// TLS
	tlsOK := false
	if eff.Config != nil && eff.Config.Server.TLS.CertFile != "" && eff.Config.Server.TLS.KeyFile != "" {
		tlsOK = true
	}
	if tlsOK {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}

	// DB path
	if eff.DBPath != "" {
		fmt.Printf("- DB Path: %s\n", eff.DBPath)
	} else {
		fmt.Println("- DB Path: not set (use --db or CHATD_DB_PATH)")
	}

	// Stats sweep
	if eff.Config != nil && eff.Config.Stats.Enabled {
		if eff.Config.Stats.Cron != "" {
			fmt.Printf("- Stats: enabled (cron=%s)\n", eff.Config.Stats.Cron)
		} else {
			fmt.Println("- Stats: enabled")
		}
	} else {
		fmt.Println("- Stats: disabled")
	}

	fmt.Println("\n== Logs: =================================================")
}
