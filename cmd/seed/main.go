package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/scamadvisory/mailrisk/internal/queue"
)

func main() {
	var file string
	var addr string
	var key string
	flag.StringVar(&file, "emails", "", "path to newline-separated email addresses")
	flag.StringVar(&addr, "redis", "127.0.0.1:6379", "redis addr")
	flag.StringVar(&key, "key", "mailrisk:queue", "redis queue key")
	flag.Parse()
	if file == "" {
		fmt.Fprintln(os.Stderr, "missing -emails")
		os.Exit(1)
	}
	q, err := queue.NewRedis(addr, key, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		os.Exit(1)
	}
	f, err := os.Open(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := q.Seed(context.Background(), strings.ToLower(line)); err != nil {
			fmt.Fprintln(os.Stderr, "seed:", err)
			os.Exit(1)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("seeded", n, "emails onto", key)
}
