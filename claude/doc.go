// Package claude runs the Claude Code CLI as a subprocess and speaks its
// stream-json protocol over stdin and stdout.
//
// # Overview
//
// A SessionController owns at most one CLI process at a time. Connect spawns
// the process and waits for its init line; after that every stdout line is
// classified and published as an Event to subscribers:
//
//	ctrl := claude.NewController(claude.DefaultLaunchConfig())
//	ctrl.On(claude.EventAssistant, func(ev claude.Event) {
//	    fmt.Print(ev.Assistant.Text())
//	})
//	if _, err := ctrl.Connect(ctx); err != nil {
//	    return err
//	}
//	defer ctrl.Disconnect()
//	ctrl.Send("hello")
//
// # Handshake
//
// The CLI only prints its system/init line after it has read input, so
// Connect writes an empty user turn if nothing arrived within the probe
// delay (100ms). No init within the handshake timeout (30s) fails Connect
// with ErrHandshakeTimeout and kills the process.
//
// # Permissions
//
// Permission requests arrive as EventPermission with a correlation token and
// a Risk hint from RiskForTool. RespondToPermission echoes the token back.
// Answering a token that is not pending does nothing.
//
// # Reconnect
//
// Reconnect merges a LaunchPatch into the launch config, tears the old
// process down and spawns a new one. Subscribers stay registered. Lines still
// in flight from the old process are dropped; each spawn has its own
// generation and ConnectionID.
//
// # Teardown
//
// Process.Terminate closes stdin, waits briefly for a cooperative exit, kills
// the process, waits for the exit, and only then closes stdout and stderr.
//
// # Testing
//
// FakeSpawner replaces the OS process with a scripted peer:
//
//	sp := claude.NewFakeSpawner()
//	ctrl := claude.NewController(cfg, claude.WithSpawner(sp))
//	go ctrl.Connect(ctx)
//	p := sp.WaitForSpawn(time.Second)
//	p.Emit(`{"type":"system","subtype":"init","session_id":"abc"}`)
package claude
