package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// runInstall layers the given flags over the current settings, writes
// settings.json and asks a running server to reload.
func runInstall(args []string) {
	cfg := loadConfig()

	fs := flag.NewFlagSet("install", flag.ExitOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "worker pool size")
	fs.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "IANA zone for cron schedules")
	fs.StringVar(&cfg.AgentURL, "agent-url", cfg.AgentURL, "endpoint of the HTTP agent")
	fs.StringVar(&cfg.DefaultAgent, "default-agent", cfg.DefaultAgent, "agent used by nodes without an agent config")
	fs.StringVar(&cfg.ImportDir, "import-dir", cfg.ImportDir, "directory of workflow files imported at startup")
	fs.BoolVar(&cfg.MCPStdio, "mcp-stdio", cfg.MCPStdio, "serve MCP tools on stdio")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := opflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)

	if !signalRunningServer() {
		fmt.Println("Run `opflow serve` to start the server")
	}
}

// signalRunningServer sends SIGHUP to a running opflow server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
