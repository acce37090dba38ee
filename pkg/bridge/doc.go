// Package bridge connects presentation layers to the shared agent.
//
// It owns the single agent behind an exclusive FIFO lane (AgentState), drains reply streams into
// a Sink as tagged notifications (Relay), and forwards session creation to the session manager.
package bridge
