// Interactive client for a Kindred server. Commands are translated into the
// JSON line protocol; responses are printed verbatim.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/kindreddb/kindred-server/internal/models"
)

const usage = `Commands:
  use <space>                          select a space for later commands
  spaces                               list spaces
  create-space <name> <dim> [metric]   create a space (metric: cosine|dot|euclidean)
  drop-space <name>                    delete a space and its data
  upsert <id> <v1,v2,...>              insert or replace a vector
  get <id>                             fetch a vector
  delete <id>                          remove a vector
  search <v1,v2,...> [k]               top-k similarity search
  interact <user> <item> [weight]      record an interaction
  recommend <user> [limit]             recommend items for a user
  status                               server status
  quit`

func main() {
	addr := "localhost:4568"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Printf("Failed to connect to %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	serverReader := bufio.NewReader(conn)
	stdin := bufio.NewReader(os.Stdin)

	if err := login(stdin, conn, serverReader); err != nil {
		fmt.Println("Login failed:", err)
		os.Exit(1)
	}

	fmt.Println("Connected to Kindred. Type 'help' for commands.")

	space := ""
	for {
		if space != "" {
			fmt.Printf("[%s]> ", space)
		} else {
			fmt.Print("> ")
		}

		line, err := stdin.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			fmt.Println("Goodbye!")
			return
		}
		if strings.EqualFold(line, "help") {
			fmt.Println(usage)
			continue
		}

		parts := strings.Fields(line)
		query, ok := buildQuery(parts, &space)
		if !ok {
			continue
		}

		data, _ := json.Marshal(query)
		conn.Write(append(data, '\n'))

		resp, err := serverReader.ReadString('\n')
		if err != nil {
			fmt.Println("Server response error:", err)
			return
		}
		fmt.Println(strings.TrimSpace(resp))
	}
}

func login(stdin *bufio.Reader, conn net.Conn, serverReader *bufio.Reader) error {
	fmt.Print("Username: ")
	username, err := stdin.ReadString('\n')
	if err != nil {
		return err
	}

	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return err
	}

	req := models.LoginRequest{
		Username: strings.TrimSpace(username),
		Password: string(password),
	}
	data, _ := json.Marshal(req)
	conn.Write(append(data, '\n'))

	line, err := serverReader.ReadString('\n')
	if err != nil {
		return err
	}
	var resp models.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return err
	}
	if resp.Status != "OK" {
		return fmt.Errorf("%s", resp.Message)
	}
	return nil
}

// buildQuery turns a command line into a protocol query. Returns ok=false
// after printing a usage hint.
func buildQuery(parts []string, space *string) (models.Query, bool) {
	switch strings.ToLower(parts[0]) {
	case "use":
		if len(parts) != 2 {
			fmt.Println("Usage: use <space>")
			return models.Query{}, false
		}
		*space = parts[1]
		return models.Query{Type: models.TypeUseSpace, Space: parts[1]}, true

	case "spaces":
		return models.Query{Type: models.TypeListSpaces}, true

	case "create-space":
		if len(parts) < 3 {
			fmt.Println("Usage: create-space <name> <dim> [metric]")
			return models.Query{}, false
		}
		dim, err := strconv.Atoi(parts[2])
		if err != nil {
			fmt.Println("Invalid dimension:", parts[2])
			return models.Query{}, false
		}
		q := models.Query{Type: models.TypeCreateSpace, Space: parts[1], Dimension: dim}
		if len(parts) > 3 {
			q.Metric = parts[3]
		}
		return q, true

	case "drop-space":
		if len(parts) != 2 {
			fmt.Println("Usage: drop-space <name>")
			return models.Query{}, false
		}
		return models.Query{Type: models.TypeDeleteSpace, Space: parts[1]}, true

	case "upsert":
		if len(parts) != 3 {
			fmt.Println("Usage: upsert <id> <v1,v2,...>")
			return models.Query{}, false
		}
		vec, err := parseVector(parts[2])
		if err != nil {
			fmt.Println(err)
			return models.Query{}, false
		}
		return models.Query{Type: models.TypeUpsertVector, Space: *space, ID: parts[1], Vector: vec}, true

	case "get":
		if len(parts) != 2 {
			fmt.Println("Usage: get <id>")
			return models.Query{}, false
		}
		return models.Query{Type: models.TypeGetVector, Space: *space, ID: parts[1]}, true

	case "delete":
		if len(parts) != 2 {
			fmt.Println("Usage: delete <id>")
			return models.Query{}, false
		}
		return models.Query{Type: models.TypeDeleteVector, Space: *space, ID: parts[1]}, true

	case "search":
		if len(parts) < 2 {
			fmt.Println("Usage: search <v1,v2,...> [k]")
			return models.Query{}, false
		}
		vec, err := parseVector(parts[1])
		if err != nil {
			fmt.Println(err)
			return models.Query{}, false
		}
		q := models.Query{Type: models.TypeSearchTopK, Space: *space, Vector: vec}
		if len(parts) > 2 {
			k, err := strconv.Atoi(parts[2])
			if err != nil {
				fmt.Println("Invalid k:", parts[2])
				return models.Query{}, false
			}
			q.K = k
		}
		return q, true

	case "interact":
		if len(parts) < 3 {
			fmt.Println("Usage: interact <user> <item> [weight]")
			return models.Query{}, false
		}
		q := models.Query{Type: models.TypeRecordInteraction, Space: *space, UserID: parts[1], ID: parts[2]}
		if len(parts) > 3 {
			w, err := strconv.ParseFloat(parts[3], 64)
			if err != nil {
				fmt.Println("Invalid weight:", parts[3])
				return models.Query{}, false
			}
			q.Weight = w
		}
		return q, true

	case "recommend":
		if len(parts) < 2 {
			fmt.Println("Usage: recommend <user> [limit]")
			return models.Query{}, false
		}
		q := models.Query{Type: models.TypeRecommend, Space: *space, UserID: parts[1]}
		if len(parts) > 2 {
			limit, err := strconv.Atoi(parts[2])
			if err != nil {
				fmt.Println("Invalid limit:", parts[2])
				return models.Query{}, false
			}
			q.Limit = limit
		}
		return q, true

	case "status":
		return models.Query{Type: models.TypeStatus}, true
	}

	fmt.Println("Unknown command:", parts[0], "(type 'help')")
	return models.Query{}, false
}

func parseVector(s string) ([]float32, error) {
	fields := strings.Split(s, ",")
	vec := make([]float32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q", f)
		}
		vec = append(vec, float32(v))
	}
	return vec, nil
}
