// Command crabkv is an interactive shell over a local CrabKv data
// directory. Grounded on the teacher's cmd/demo/main.go interactive-prompt
// shape, rewired from an HTTP client calling a remote cluster node to
// direct calls against an in-process *engine.Engine.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"crabkv/pkg/config"
	"crabkv/pkg/engine"
)

const usage = `commands:
  put <key> <value> [ttl_seconds]
  get <key>
  delete <key>
  stats
  compact
  help
  quit`

func main() {
	dataDir := flag.String("data-dir", "./data", "data directory to open")
	flag.Parse()

	cfg := config.Default()
	cfg.DataDir = *dataDir
	eng, err := engine.Open(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open engine:", err)
		os.Exit(1)
	}
	defer eng.Close()

	fmt.Printf("crabkv shell — data dir %s\n", *dataDir)
	fmt.Println(usage)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		dispatch(eng, line)
	}
}

func dispatch(eng *engine.Engine, line string) {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "put":
		cmdPut(eng, fields[1:])
	case "get":
		cmdGet(eng, fields[1:])
	case "delete":
		cmdDelete(eng, fields[1:])
	case "stats":
		cmdStats(eng)
	case "compact":
		cmdCompact(eng)
	case "help":
		fmt.Println(usage)
	default:
		fmt.Printf("unknown command %q, try \"help\"\n", fields[0])
	}
}

func cmdPut(eng *engine.Engine, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: put <key> <value> [ttl_seconds]")
		return
	}
	key, value := args[0], args[1]

	var ttl time.Duration
	if len(args) >= 3 {
		secs, err := strconv.Atoi(args[2])
		if err != nil || secs < 0 {
			fmt.Printf("invalid ttl_seconds %q\n", args[2])
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	fmt.Printf("[crabkv] PUT key=%s value=%s\n", key, value)
	if err := eng.Put(key, []byte(value), ttl); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("OK")
}

func cmdGet(eng *engine.Engine, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <key>")
		return
	}
	fmt.Printf("[crabkv] GET key=%s\n", args[0])
	value, ok, err := eng.Get(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !ok {
		fmt.Println("(not found)")
		return
	}
	fmt.Println(string(value))
}

func cmdDelete(eng *engine.Engine, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: delete <key>")
		return
	}
	fmt.Printf("[crabkv] DELETE key=%s\n", args[0])
	wasLive, err := eng.Delete(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !wasLive {
		fmt.Println("(not found)")
		return
	}
	fmt.Println("OK")
}

func cmdStats(eng *engine.Engine) {
	st := eng.Stats()
	fmt.Printf("keys=%d wal_size=%d live=%d stale=%d fsyncs=%d read_cache=%d write_back=%d compactions=%d last_compaction=%v\n",
		st.Keys, st.WALSizeBytes, st.LiveBytes, st.StaleBytes, st.FsyncCount,
		st.ReadCacheLen, st.WriteBackBufferLen, st.CompactionsRun, st.LastCompactionDuration)
}

func cmdCompact(eng *engine.Engine) {
	stats, err := eng.Compact()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("reclaimed=%d carried=%d expired=%d duration=%v restarted=%v\n",
		stats.BytesReclaimed, stats.RecordsCarried, stats.RecordsExpired, stats.Duration, stats.Restarted)
}
