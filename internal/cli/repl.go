// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/peterh/liner"

	"github.com/jeranaias/hfp-chat/internal/chat"
	"github.com/jeranaias/hfp-chat/internal/model"
	"github.com/jeranaias/hfp-chat/internal/nodes"
	"github.com/jeranaias/hfp-chat/internal/store"
)

// REPL is the interactive chat loop.
type REPL struct {
	store      *store.Store
	registry   *nodes.Registry
	controller *chat.Controller
	input      *Input
}

// NewREPL assembles the chat loop over an existing store, registry, and
// controller.
func NewREPL(st *store.Store, reg *nodes.Registry, ctrl *chat.Controller) *REPL {
	return &REPL{
		store:      st,
		registry:   reg,
		controller: ctrl,
		input:      NewInput(),
	}
}

// Run drives the prompt until the user exits or ctx is cancelled.
// Ctrl+C stops an in-flight generation; at an idle prompt it exits.
func (r *REPL) Run(ctx context.Context) error {
	defer r.input.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			r.controller.Stop()
		}
	}()

	fmt.Println("HealthFirstPriority chat. Type /help for commands, exit to quit.")

	for {
		if ctx.Err() != nil {
			return nil
		}

		input, err := r.input.Read("hfp> ")
		if err != nil {
			if err == liner.ErrPromptAborted {
				fmt.Println()
				return nil
			}
			// EOF or terminal error, exit cleanly.
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			if quit := r.handleCommand(input); quit {
				return nil
			}
			continue
		}

		r.send(ctx, input)
	}
}

// send runs one generation and renders its outcome. Deltas are printed
// by the controller's OnDelta hook as they arrive.
func (r *REPL) send(ctx context.Context, input string) {
	err := r.controller.Send(ctx, input)
	switch {
	case err == nil:
		fmt.Println()
		r.printLastStats()
	case errors.Is(err, context.Canceled):
		fmt.Println("\n[Generation stopped]")
	default:
		fmt.Fprintf(os.Stderr, "\n[Error] %v\n", err)
	}
}

func (r *REPL) printLastStats() {
	sess := r.store.CurrentSession()
	if sess == nil {
		return
	}
	last := sess.LastAssistantMessage()
	if last == nil || last.Stats == nil {
		return
	}
	fmt.Printf("[%s | %d tokens | %.1f tok/s]\n", last.ModelName, last.Stats.Tokens, last.Stats.TokensPerSec)
}

// handleCommand dispatches a slash command. Returns true to exit.
func (r *REPL) handleCommand(input string) bool {
	fields := strings.Fields(input)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/help":
		r.printHelp()
	case "/new":
		r.store.CreateSession()
		fmt.Println("Started a new consultation.")
	case "/sessions":
		r.printSessions()
	case "/select":
		r.selectSession(args)
	case "/rename":
		r.renameSession(args)
	case "/delete":
		r.deleteCurrent()
	case "/edit":
		r.editLast(args)
	case "/regen":
		r.regenerate()
	case "/nodes":
		r.printNodes()
	case "/node":
		r.selectNode(args)
	case "/quit", "/exit":
		return true
	default:
		fmt.Fprintf(os.Stderr, "[Error] unknown command %s (try /help)\n", cmd)
	}
	return false
}

func (r *REPL) printHelp() {
	fmt.Print(`Commands:
  /new              start a new consultation
  /sessions         list consultations
  /select <n>       switch to consultation n
  /rename <title>   rename the current consultation
  /delete           delete the current consultation
  /edit <text>      rewrite your last question and regenerate
  /regen            regenerate the last answer
  /nodes            list processing nodes
  /node <addr|auto> pin a node, or return to automatic selection
  exit              quit
`)
}

func (r *REPL) printSessions() {
	sessions := r.store.Sessions()
	if len(sessions) == 0 {
		fmt.Println("No consultations yet.")
		return
	}
	currentID := r.store.CurrentSessionID()
	for i, sess := range sessions {
		marker := " "
		if sess.ID == currentID {
			marker = "*"
		}
		fmt.Printf("%s %2d. %s (%d messages)\n", marker, i+1, sess.Title, len(sess.Messages))
	}
}

func (r *REPL) selectSession(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "[Error] usage: /select <n>")
		return
	}
	n, err := strconv.Atoi(args[0])
	sessions := r.store.Sessions()
	if err != nil || n < 1 || n > len(sessions) {
		fmt.Fprintln(os.Stderr, "[Error] no such consultation")
		return
	}
	r.store.SelectSession(sessions[n-1].ID)
	r.printTranscript(sessions[n-1])
}

func (r *REPL) printTranscript(sess *model.ChatSession) {
	fmt.Printf("-- %s --\n", sess.Title)
	for _, msg := range sess.Messages {
		switch msg.Role {
		case model.RoleUser:
			fmt.Printf("you> %s\n", msg.Content)
		case model.RoleAssistant:
			fmt.Printf("hfp> %s\n", msg.Content)
		}
	}
}

func (r *REPL) renameSession(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "[Error] usage: /rename <title>")
		return
	}
	id := r.store.CurrentSessionID()
	if id == "" {
		fmt.Fprintln(os.Stderr, "[Error] no current consultation")
		return
	}
	r.store.RenameSession(id, strings.Join(args, " "))
}

func (r *REPL) deleteCurrent() {
	id := r.store.CurrentSessionID()
	if id == "" {
		fmt.Fprintln(os.Stderr, "[Error] no current consultation")
		return
	}
	r.store.DeleteSession(id)
	fmt.Println("Deleted.")
}

// editLast rewrites the most recent user message and regenerates from
// it, discarding everything after it.
func (r *REPL) editLast(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "[Error] usage: /edit <text>")
		return
	}
	sess := r.store.CurrentSession()
	if sess == nil {
		fmt.Fprintln(os.Stderr, "[Error] no current consultation")
		return
	}

	var lastUser *model.Message
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role == model.RoleUser {
			lastUser = sess.Messages[i]
			break
		}
	}
	if lastUser == nil {
		fmt.Fprintln(os.Stderr, "[Error] nothing to edit")
		return
	}

	err := r.controller.EditAndRegenerate(context.Background(), sess.ID, lastUser.ID, strings.Join(args, " "))
	r.reportGeneration(err)
}

func (r *REPL) regenerate() {
	id := r.store.CurrentSessionID()
	if id == "" {
		fmt.Fprintln(os.Stderr, "[Error] no current consultation")
		return
	}
	err := r.controller.Regenerate(context.Background(), id)
	r.reportGeneration(err)
}

func (r *REPL) reportGeneration(err error) {
	switch {
	case err == nil:
		fmt.Println()
		r.printLastStats()
	case errors.Is(err, context.Canceled):
		fmt.Println("\n[Generation stopped]")
	case errors.Is(err, chat.ErrRegenerationLimit):
		fmt.Fprintf(os.Stderr, "[Error] regeneration limit reached (%d)\n", r.controller.RegenerationCap())
	default:
		fmt.Fprintf(os.Stderr, "\n[Error] %v\n", err)
	}
}

func (r *REPL) printNodes() {
	list := r.registry.Nodes()
	if len(list) == 0 {
		fmt.Println("No active nodes online.")
		return
	}
	active := r.registry.ActiveAddress()
	for _, n := range list {
		marker := " "
		if n.Address == active {
			marker = "*"
		}
		state := "offline"
		if n.IsAvailable() {
			state = "online"
		}
		fmt.Printf("%s %-20s %-24s %-10s %s\n", marker, n.GivenName, n.Address, state, n.ModelName)
	}
}

func (r *REPL) selectNode(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "[Error] usage: /node <address|auto>")
		return
	}
	if strings.EqualFold(args[0], "auto") {
		r.registry.SetActiveNode("")
		fmt.Println("Node selection set to auto.")
		return
	}
	r.registry.SetActiveNode(args[0])
	fmt.Printf("Pinned node %s.\n", args[0])
}
