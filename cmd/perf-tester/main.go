// Command perf-tester load-tests the proxy with concurrent DNS queries
// over UDP or TCP and reports latency quantiles and rcode counts.
package main

import (
	"flag"
	"fmt"
	"log"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

type options struct {
	target      string
	protocol    string
	namesPath   string
	generate    int
	queries     int
	concurrency int
	timeout     time.Duration
	qtype       string
}

// result is the outcome of a single query as seen by a worker.
type result struct {
	latency time.Duration
	rcode   int
	failed  bool
}

// summary aggregates all results of a run.
type summary struct {
	latencies []time.Duration
	rcodes    map[int]int
	failures  int
}

func main() {
	opts := parseFlags()
	logger := log.New(os.Stdout, "perf-tester ", log.LstdFlags)

	names, err := loadNames(opts)
	if err != nil {
		logger.Fatalf("failed to load names: %v", err)
	}
	if len(names) == 0 {
		logger.Fatalf("no DNS names loaded")
	}

	logger.Printf("sending %d %s queries to %s/%s with %d workers",
		opts.queries, opts.qtype, opts.target, opts.protocol, opts.concurrency)

	start := time.Now()
	s := run(opts, names)
	elapsed := time.Since(start)

	report(logger, s, elapsed)
}

func parseFlags() options {
	opts := options{}
	flag.StringVar(&opts.target, "target", "127.0.0.1:53", "proxy address host:port")
	flag.StringVar(&opts.protocol, "protocol", "udp", "protocol: udp or tcp")
	flag.StringVar(&opts.namesPath, "names", "", "path to newline-delimited DNS names file")
	flag.IntVar(&opts.generate, "generate", 10000, "number of synthetic names when no file is given")
	flag.IntVar(&opts.queries, "queries", 10000, "number of queries to send")
	flag.IntVar(&opts.concurrency, "concurrency", 50, "number of concurrent workers")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Second, "DNS query timeout")
	flag.StringVar(&opts.qtype, "qtype", "AAAA", "DNS query type (A, AAAA, TXT, etc)")
	flag.Parse()

	if opts.concurrency < 1 {
		opts.concurrency = 1
	}
	if opts.queries < 1 {
		opts.queries = 1
	}
	opts.protocol = strings.ToLower(strings.TrimSpace(opts.protocol))
	return opts
}

func loadNames(opts options) ([]string, error) {
	if opts.namesPath == "" {
		return syntheticNames(opts.generate), nil
	}
	data, err := os.ReadFile(opts.namesPath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}

// syntheticNames yields deterministic device-style hostnames spread over a
// few zones, enough to defeat any name-keyed caching in the path.
func syntheticNames(count int) []string {
	if count < 1 {
		return nil
	}
	zones := []string{
		"sensors.example.org",
		"gateways.example.org",
		"meters.example.net",
		"lab.example.net",
	}
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("dev-%04d.%s", i, zones[i%len(zones)])
	}
	return names
}

// run fans the query load out over the configured worker count. Workers
// claim query indexes from a shared counter; a single collector goroutine
// aggregates their results.
func run(opts options, names []string) summary {
	qtype, ok := dns.StringToType[strings.ToUpper(opts.qtype)]
	if !ok {
		qtype = dns.TypeAAAA
	}

	results := make(chan result, opts.concurrency)
	var next atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &dns.Client{Net: opts.protocol, Timeout: opts.timeout}
			for {
				i := next.Add(1) - 1
				if i >= int64(opts.queries) {
					return
				}
				query := new(dns.Msg)
				query.SetQuestion(dns.Fqdn(names[i%int64(len(names))]), qtype)
				begin := time.Now()
				resp, _, err := client.Exchange(query, opts.target)
				r := result{latency: time.Since(begin)}
				if err != nil || resp == nil {
					r.failed = true
				} else {
					r.rcode = resp.Rcode
				}
				results <- r
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	return collect(results)
}

// collect drains the result stream into a summary. Single consumer, so no
// locking around the aggregates.
func collect(results <-chan result) summary {
	s := summary{rcodes: make(map[int]int)}
	for r := range results {
		s.latencies = append(s.latencies, r.latency)
		if r.failed {
			s.failures++
			continue
		}
		s.rcodes[r.rcode]++
	}
	return s
}

func report(logger *log.Logger, s summary, elapsed time.Duration) {
	if len(s.latencies) == 0 {
		logger.Printf("no queries completed")
		return
	}
	slices.Sort(s.latencies)

	var total time.Duration
	for _, l := range s.latencies {
		total += l
	}
	mean := total / time.Duration(len(s.latencies))

	logger.Printf("elapsed: %s", elapsed.Round(time.Millisecond))
	logger.Printf("qps: %.2f", float64(len(s.latencies))/elapsed.Seconds())
	logger.Printf("latency: mean=%s p50=%s p95=%s p99=%s max=%s",
		mean.Round(time.Microsecond),
		quantile(s.latencies, 0.50),
		quantile(s.latencies, 0.95),
		quantile(s.latencies, 0.99),
		s.latencies[len(s.latencies)-1])

	for _, code := range slices.Sorted(maps.Keys(s.rcodes)) {
		logger.Printf("rcode %s (%d): %d", dns.RcodeToString[code], code, s.rcodes[code])
	}
	logger.Printf("failures: %d", s.failures)
}

// quantile returns the nearest-rank q-quantile of sorted latencies.
func quantile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
