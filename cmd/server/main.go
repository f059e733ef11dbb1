package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"kvstream/internal/server"
)

func main() {
	address := flag.String("address", "127.0.0.1", "address to bind to")
	port := flag.Int("port", 6379, "port to listen on")
	replicaof := flag.String("replicaof", "", "upstream \"host port\" to replicate from")
	dir := flag.String("dir", "", "snapshot directory")
	dbfilename := flag.String("dbfilename", "", "snapshot filename")
	flag.Parse()

	cfg := server.DefaultConfig()
	cfg.Address = *address
	cfg.Port = *port
	cfg.Dir = *dir
	cfg.DBFilename = *dbfilename

	if *replicaof != "" {
		host, portStr, err := parseReplicaOf(*replicaof)
		if err != nil {
			log.Printf("fatal: malformed --replicaof %q: %v", *replicaof, err)
			os.Exit(1)
		}
		cfg.ReplicaOfHost = host
		cfg.ReplicaOfPort = portStr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down")
		cancel()
	}()

	srv := server.New(cfg)
	if err := srv.Run(ctx); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

// parseReplicaOf accepts the two-token "host port" form spec §6 specifies
// for --replicaof.
func parseReplicaOf(v string) (string, int, error) {
	var host string
	var portStr string
	n, err := fmt.Sscan(v, &host, &portStr)
	if err != nil || n != 2 {
		return "", 0, fmt.Errorf("expected \"host port\", got %q", v)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("port %q is not a number", portStr)
	}
	return host, port, nil
}
