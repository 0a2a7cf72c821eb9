// punchctl drives a terminal agent from the command line: sign in, punch,
// enroll a new employee, or inspect terminal state. It talks to the agentd
// HTTP API, never to the hub directly.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

var agentURL = "http://localhost:8082"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: punchctl [-agent URL] <command> [options]

Commands:
  login    -phone N -password P   sign the operator in
  logout                          drop the operator session
  punch    [-purpose P]           run a punch flow (attendance or geo_attendance)
  enroll   -first F -last L -phone N   register a new employee (three photos)
  status                          show terminal state
  history  [-from T] [-to T]      show the operator's punch history

The agent URL defaults to $PUNCHD_AGENT_URL, then %s.
`, agentURL)
}

func main() {
	agentFlag := flag.String("agent", "", "agent base URL")
	flag.Usage = usage
	flag.Parse()

	if env := os.Getenv("PUNCHD_AGENT_URL"); env != "" {
		agentURL = strings.TrimRight(env, "/")
	}
	if *agentFlag != "" {
		agentURL = strings.TrimRight(*agentFlag, "/")
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "login":
		err = cmdLogin(args[1:])
	case "logout":
		err = cmdLogout()
	case "punch":
		err = cmdPunch(args[1:])
	case "enroll":
		err = cmdEnroll(args[1:])
	case "status":
		err = cmdStatus()
	case "history":
		err = cmdHistory(args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func cmdLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	phone := fs.String("phone", "", "operator phone number")
	password := fs.String("password", "", "operator password")
	fs.Parse(args)
	if *phone == "" || *password == "" {
		return errors.New("-phone and -password are required")
	}
	out, err := post("/v1/login", map[string]string{"phone": *phone, "password": *password})
	if err != nil {
		return err
	}
	fmt.Printf("signed in as employee %v\n", out["employee_id"])
	return nil
}

func cmdLogout() error {
	if _, err := post("/v1/logout", nil); err != nil {
		return err
	}
	fmt.Println("signed out")
	return nil
}

func cmdPunch(args []string) error {
	fs := flag.NewFlagSet("punch", flag.ExitOnError)
	purpose := fs.String("purpose", "", "attendance or geo_attendance (default: terminal setting)")
	fs.Parse(args)

	var body any
	if *purpose != "" {
		body = map[string]string{"purpose": *purpose}
	}
	out, err := post("/v1/punch", body)
	if err != nil {
		return err
	}
	fmt.Printf("%v (punch %v)\n", out["message"], out["punch_id"])
	return nil
}

func cmdEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	first := fs.String("first", "", "first name")
	last := fs.String("last", "", "last name")
	phone := fs.String("phone", "", "phone number")
	fs.Parse(args)
	if *first == "" || *last == "" || *phone == "" {
		return errors.New("-first, -last and -phone are required")
	}

	if _, err := post("/v1/enroll/start", nil); err != nil {
		return err
	}
	if _, err := post("/v1/enroll/details", map[string]string{
		"first_name": *first,
		"last_name":  *last,
		"phone":      *phone,
	}); err != nil {
		return err
	}

	var anchor any
	for _, step := range []string{"front", "left", "right"} {
		fmt.Printf("capturing %s photo...\n", step)
		out, err := post("/v1/enroll/step", nil)
		if err != nil {
			return fmt.Errorf("%s step: %w", step, err)
		}
		anchor = out["anchor_id"]
	}
	fmt.Printf("enrolled employee %v\n", anchor)
	return nil
}

func cmdStatus() error {
	out, err := get("/v1/status")
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	from := fs.String("from", "", "RFC3339 lower bound")
	to := fs.String("to", "", "RFC3339 upper bound")
	fs.Parse(args)

	q := ""
	if *from != "" {
		q = "?from=" + *from
	}
	if *to != "" {
		if q == "" {
			q = "?to=" + *to
		} else {
			q += "&to=" + *to
		}
	}
	out, err := get("/v1/operator/history" + q)
	if err != nil {
		return err
	}
	return printJSON(out)
}

// post sends JSON to the agent and decodes the response. Non-2xx responses
// become errors carrying the agent's error or detail text.
func post(path string, payload any) (map[string]any, error) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, err
		}
	}
	resp, err := http.Post(agentURL+path, "application/json", &buf)
	if err != nil {
		return nil, err
	}
	return decode(resp)
}

func get(path string) (map[string]any, error) {
	resp, err := http.Get(agentURL + path)
	if err != nil {
		return nil, err
	}
	return decode(resp)
}

func decode(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
	}
	if resp.StatusCode >= 300 {
		if msg, ok := out["detail"].(string); ok && msg != "" {
			return nil, errors.New(msg)
		}
		if msg, ok := out["error"].(string); ok && msg != "" {
			return nil, errors.New(msg)
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return out, nil
}

func printJSON(v any) error {
	enc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}
