package models

import "time"

// Node is a worker registration document. Liveness is never stored;
// readers derive it from LastHeartbeat against their own timeout.
type Node struct {
	ID            string    `bson:"_id" json:"node_id"`
	Info          NodeInfo  `bson:"info" json:"info"`
	CurrentTasks  int       `bson:"current_tasks" json:"current_tasks"`
	LastHeartbeat time.Time `bson:"last_heartbeat" json:"last_heartbeat"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}

// NodeInfo is the static description a worker reports at registration
type NodeInfo struct {
	Hostname           string   `bson:"hostname" json:"hostname"`
	Version            string   `bson:"version" json:"version"`
	Capabilities       []string `bson:"capabilities,omitempty" json:"capabilities,omitempty"`
	MaxConcurrentTasks int      `bson:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	Tags               []string `bson:"tags,omitempty" json:"tags,omitempty"`
}

// IsAlive reports whether the node heartbeat is within the timeout at the given instant
func (n Node) IsAlive(timeout time.Duration, now time.Time) bool {
	if n.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(n.LastHeartbeat) <= timeout
}
