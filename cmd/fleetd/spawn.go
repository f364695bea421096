package main

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/fleet"
	"github.com/basket/go-fleet/internal/saga"
)

//go:embed spawn_request.schema.json
var spawnRequestSchema []byte

type spawnRequest struct {
	OperatorID       string `json:"operatorId"`
	AgentType        string `json:"agentType"`
	Model            string `json:"model"`
	TaskType         string `json:"taskType"`
	Description      string `json:"description"`
	Branch           string `json:"branch"`
	Tier             string `json:"tier"`
	Prompt           string `json:"prompt"`
	AgentIdentityID  string `json:"agentIdentityId"`
	MaxRetries       *int   `json:"maxRetries"`
	IdempotencyToken string `json:"idempotencyToken"`
}

func (r spawnRequest) newTask() fleet.NewTask {
	maxRetries := 3
	if r.MaxRetries != nil {
		maxRetries = *r.MaxRetries
	}
	return fleet.NewTask{
		OperatorID:      r.OperatorID,
		AgentType:       r.AgentType,
		Model:           r.Model,
		TaskType:        r.TaskType,
		Description:     r.Description,
		Branch:          r.Branch,
		AgentIdentityID: r.AgentIdentityID,
		MaxRetries:      maxRetries,
	}
}

func compileSpawnSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(spawnRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("spawn_request.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("spawn_request.schema.json")
}

// parseSpawnRequest validates raw against the request schema before decoding it.
func parseSpawnRequest(raw []byte) (spawnRequest, error) {
	var req spawnRequest
	schema, err := compileSpawnSchema()
	if err != nil {
		return req, fmt.Errorf("compile schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return req, fmt.Errorf("parse request: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

type spawnOutput struct {
	Success            bool     `json:"success"`
	TaskID             string   `json:"taskId,omitempty"`
	Deduplicated       bool     `json:"deduplicated,omitempty"`
	FailedStep         string   `json:"failedStep,omitempty"`
	Error              string   `json:"error,omitempty"`
	CompensationErrors []string `json:"compensationErrors,omitempty"`
}

func spawnOutputFrom(res saga.SpawnResult) spawnOutput {
	out := spawnOutput{
		Success:      res.Success,
		TaskID:       res.TaskID,
		Deduplicated: res.Deduplicated,
		FailedStep:   res.FailedStep,
	}
	if res.Error != nil {
		out.Error = res.Error.Error()
	}
	for _, ce := range res.CompensationErrors {
		out.CompensationErrors = append(out.CompensationErrors, ce.Error())
	}
	return out
}

func runSpawnCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("spawn", flag.ContinueOnError)
	requestPath := fs.String("request", "", "path to the spawn request JSON (- for stdin)")
	tierFlag := fs.String("tier", "", "operator tier; overrides the request")
	promptPath := fs.String("prompt-file", "", "file holding the agent prompt; overrides the request")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *requestPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fleetd spawn -request <file.json> [-tier T] [-prompt-file f]")
		return 2
	}

	raw, err := readInput(*requestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read request: %v\n", err)
		return 1
	}
	req, err := parseSpawnRequest(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *tierFlag != "" {
		req.Tier = *tierFlag
	}
	if req.Tier == "" {
		req.Tier = string(fleet.TierBuilder)
	}
	tier, err := fleet.ParseTier(req.Tier)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *promptPath != "" {
		prompt, err := os.ReadFile(*promptPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read prompt: %v\n", err)
			return 1
		}
		req.Prompt = string(prompt)
	}
	if req.Prompt == "" {
		req.Prompt = req.Description
	}

	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{agents: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	defer rt.close()

	res := rt.saga.ExecuteSpawn(ctx, req.newTask(), tier, req.Prompt, req.IdempotencyToken)
	if err := writeJSON(os.Stdout, spawnOutputFrom(res)); err != nil {
		return 1
	}
	if !res.Success {
		return 1
	}
	return 0
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
