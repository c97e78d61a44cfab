package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adfharrison1/jsondb/pkg/api"
)

const batchSize = 100

// generateRandomName generates a random 6-letter name
func generateRandomName() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	name := make([]byte, 6)
	for i := range name {
		name[i] = letters[rand.IntN(len(letters))]
	}
	name[0] = name[0] - 32
	return string(name)
}

// generateRandomAge generates a random age between 18 and 99
func generateRandomAge() int {
	return rand.IntN(82) + 18
}

// post sends one op and decodes the result into out when it is non-nil.
func post(baseURL, op string, payload api.Payload, out any) error {
	body, err := api.EncodeOp(op, "users", payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	resp, err := http.Post(baseURL+"/op", "application/json", body)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run test_scripts/insert_docs_load.go <number_of_users> [server_url]")
		fmt.Println("Example: go run test_scripts/insert_docs_load.go 1000 http://localhost:4354")
		os.Exit(1)
	}

	numUsers, err := strconv.Atoi(os.Args[1])
	if err != nil || numUsers <= 0 {
		fmt.Printf("Error: invalid number of users '%s'\n", os.Args[1])
		os.Exit(1)
	}
	serverURL := "http://localhost:4354"
	if len(os.Args) >= 3 {
		serverURL = os.Args[2]
	}

	var before struct{ Count int64 }
	if err := post(serverURL, "count", api.Payload{}, &before); err != nil {
		fmt.Printf("Error: cannot reach server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting load test: inserting %d users to %s in batches of %d\n", numUsers, serverURL, batchSize)
	startTime := time.Now()
	successCount := 0
	errorCount := 0

	for done := 0; done < numUsers; done += batchSize {
		n := min(batchSize, numUsers-done)
		docs := make([]map[string]any, 0, n)
		for range n {
			name := generateRandomName()
			docs = append(docs, map[string]any{
				"name":  name,
				"age":   generateRandomAge(),
				"email": strings.ToLower(name) + "@example.com",
			})
		}

		var result struct{ IDs []string }
		if err := post(serverURL, "insert", api.Payload{Documents: docs}, &result); err != nil {
			errorCount += n
			fmt.Printf("Error inserting batch at %d: %v\n", done, err)
			continue
		}
		successCount += len(result.IDs)

		elapsed := time.Since(startTime)
		fmt.Printf("Progress: %d/%d users (%.1f%%) - Rate: %.1f users/sec\n",
			done+n, numUsers, float64(done+n)/float64(numUsers)*100, float64(done+n)/elapsed.Seconds())
	}

	var after struct{ Count int64 }
	if err := post(serverURL, "count", api.Payload{}, &after); err != nil {
		fmt.Printf("Error: count failed: %v\n", err)
		os.Exit(1)
	}

	totalTime := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("LOAD TEST COMPLETE")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Total users attempted: %d\n", numUsers)
	fmt.Printf("Successful inserts:    %d\n", successCount)
	fmt.Printf("Failed inserts:        %d\n", errorCount)
	fmt.Printf("Collection grew by:    %d\n", after.Count-before.Count)
	fmt.Printf("Total time:            %v\n", totalTime)
	fmt.Printf("Average rate:          %.2f users/sec\n", float64(successCount)/totalTime.Seconds())

	if errorCount > 0 || after.Count-before.Count != int64(successCount) {
		fmt.Println("\nWarning: the collection count does not match the successful inserts")
		os.Exit(1)
	}
	fmt.Println("\nLoad test completed successfully!")
}
