/*
Kindred - Vector similarity server with recommendations.
Copyright (C) 2026 Kindred Labs

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kindreddb/kindred-server/cmd/server"
	"github.com/kindreddb/kindred-server/internal/config"
	"github.com/kindreddb/kindred-server/internal/models"
)

// Version and BuildTime are injected at build time via ldflags.
var (
	Version   = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		return
	}

	switch os.Args[1] {
	case "start":
		configPath := ""
		if len(os.Args) > 2 {
			configPath = os.Args[2]
		}
		startServer(configPath)
	case "connect":
		addr := "localhost:4568"
		if len(os.Args) > 2 {
			addr = os.Args[2]
		}
		connect(addr)
	case "--version", "version":
		fmt.Printf("Kindred version %s\n", Version)
		fmt.Printf("Build time: %s\n", BuildTime)
	case "--help", "help":
		printHelp()
	default:
		fmt.Println("Unknown command:", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`Kindred - Vector similarity server with recommendations

Usage:
  kindred start [config.yaml]   Start the server in the foreground
  kindred connect [addr]        Open a raw protocol console (default localhost:4568)
  kindred --version             Show version information
  kindred --help                Show this help message

Configuration:
  Settings load from built-in defaults, then the YAML file if given, then
  KINDRED_* environment variables (e.g. KINDRED_PORT, KINDRED_DATA_DIR,
  KINDRED_ADMIN_USERNAME, KINDRED_ADMIN_PASSWORD).`)
}

func startServer(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("server init failed", zap.Error(err))
	}
	if err := srv.Run(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	if cfg.Debug {
		return zap.NewDevelopment()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// connect opens a raw console: one JSON query per line, straight onto the
// wire. The richer command syntax lives in the kindred-client binary.
func connect(addr string) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Printf("Failed to connect to %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	stdin := bufio.NewReader(os.Stdin)
	serverReader := bufio.NewReader(conn)

	username := readLine("Username: ", stdin)
	password := readLine("Password: ", stdin)

	login := models.LoginRequest{Username: username, Password: password}
	data, _ := json.Marshal(login)
	conn.Write(append(data, '\n'))

	resp, err := serverReader.ReadString('\n')
	if err != nil || !strings.Contains(resp, `"status":"OK"`) {
		fmt.Println("Authentication failed. Server response:", strings.TrimSpace(resp))
		return
	}
	fmt.Println("Login successful. Enter one JSON query per line, 'quit' to exit.")

	for {
		fmt.Print("> ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return
		}
		if !json.Valid([]byte(line)) {
			fmt.Println("Not valid JSON.")
			continue
		}

		conn.Write(append([]byte(line), '\n'))
		resp, err := serverReader.ReadString('\n')
		if err != nil {
			fmt.Println("Server response error:", err)
			return
		}
		fmt.Println(strings.TrimSpace(resp))
	}
}

func readLine(prompt string, reader *bufio.Reader) string {
	fmt.Print(prompt)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
