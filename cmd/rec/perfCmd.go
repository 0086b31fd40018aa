package rec

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/tKV/cmd/util"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for tKV clients and servers",
		Long:    "Measures local creates and reads as well as the checkout, edit and checkin round trips against a server. All records are written to a dedicated tree.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfTree       = "__perf"
	perfValueSize  = 64
	perfNumThreads = 10
	perfKeySpread  = 100
	perfSkip       = make([]string, 0)
	perfSchema     = record.SchemaVersion{Major: 1}
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. create,edit)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "value-size"
	perfTestCmd.Flags().Int(key, 64, util.WrapString("Size of the payload of the test records (in bytes)"))
	key = "records"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different records the round trip tests use"))
	key = "perf-tree"
	perfTestCmd.Flags().String(key, "__perf", util.WrapString("Tree the test records are written to"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfValueSize = viper.GetInt("value-size")
	perfKeySpread = viper.GetInt("records")
	perfNumThreads = viper.GetInt("threads")
	perfTree = viper.GetString("perf-tree")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	if perfKeySpread <= 0 {
		return fmt.Errorf("records must be positive")
	}
	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for tKV")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := recClient.WaitOnline(ctx); err != nil {
		return fmt.Errorf("perf needs a server: %w", err)
	}
	if err := recClient.Subscribe(perfTree); err != nil {
		return err
	}

	fmt.Println("preparing records...")
	ids, err := prepareRecords(ctx)
	if err != nil {
		return err
	}

	fmt.Println("staring tests...")

	// Create results map
	results := make(map[string]testing.BenchmarkResult)
	value := perfPayload()

	createResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("create") {
			return
		}

		// every create needs an id
		if _, err := recClient.RequestRange(ctx, perfTree, uint64(b.N)); err != nil {
			b.Fatalf("(create) - requesting ids: %v", err)
		}

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := recClient.Create(perfTree, perfSchema, value); err != nil {
					log.Printf("(create) - error creating record: %v\n", err)
				}
			}
		})
	})

	results["create"] = createResult
	printResult("create", createResult)

	getResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("get") {
			return
		}

		next := recordPicker(ids)

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, _, err := recClient.Get(perfTree, next()); err != nil {
					log.Printf("(get) - error reading record: %v\n", err)
				}
			}
		})
	})

	results["get"] = getResult
	printResult("get", getResult)

	checkoutResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("checkout") {
			return
		}

		next := recordPicker(ids)

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				id := next()
				if _, err := recClient.Checkout(ctx, perfTree, id); err != nil {
					log.Printf("(checkout) - error checking out: %v\n", err)
					continue
				}
				if err := recClient.Checkin(ctx, perfTree, id); err != nil {
					log.Printf("(checkout) - error checking in: %v\n", err)
				}
			}
		})
	})

	results["checkout"] = checkoutResult
	printResult("checkout", checkoutResult)

	editResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("edit") {
			return
		}

		// hold all borrows for the whole run
		for _, id := range ids {
			if _, err := recClient.Checkout(ctx, perfTree, id); err != nil {
				b.Fatalf("(edit) - checking out %s: %v", id, err)
			}
		}
		b.Cleanup(func() {
			for _, id := range ids {
				if err := recClient.Checkin(ctx, perfTree, id); err != nil {
					log.Printf("(edit) - error checking in: %v\n", err)
				}
			}
		})

		next := recordPicker(ids)

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := recClient.Edit(ctx, perfTree, next(), value); err != nil {
					log.Printf("(edit) - error editing record: %v\n", err)
				}
			}
		})
	})

	results["edit"] = editResult
	printResult("edit", editResult)

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

func perfPayload() []byte {
	return []byte(fmt.Sprintf(`{"data":%q}`, strings.Repeat("x", perfValueSize)))
}

// prepareRecords creates the records of the round trip tests and waits until
// the server has them
func prepareRecords(ctx context.Context) ([]keys.ID, error) {
	if _, err := recClient.RequestRange(ctx, perfTree, uint64(perfKeySpread)); err != nil {
		return nil, err
	}
	ids := make([]keys.ID, 0, perfKeySpread)
	value := perfPayload()
	for i := 0; i < perfKeySpread; i++ {
		env, err := recClient.Create(perfTree, perfSchema, value)
		if err != nil {
			return nil, err
		}
		ids = append(ids, env.Key.ID)
	}
	flush(ctx)
	if pending := recClient.Status().Pending; pending > 0 {
		return nil, fmt.Errorf("%d records did not reach the server", pending)
	}
	return ids, nil
}

// recordPicker returns a function cycling through ids, safe for concurrent use
func recordPicker(ids []keys.ID) func() keys.ID {
	var counter atomic.Uint64
	return func() keys.ID {
		return ids[(counter.Add(1)-1)%uint64(len(ids))]
	}
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "Engine", "Serializer", "Transport",
		"Threads", "ValueSize", "Records",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		skipped := "true"

		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			config.Engine,
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfValueSize),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
