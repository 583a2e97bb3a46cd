package kernel

import "github.com/google/uuid"

// JobID identifies a job for its whole lifetime.
type JobID string

func NewJobID() JobID           { return JobID(uuid.NewString()) }
func (id JobID) String() string { return string(id) }
func (id JobID) IsEmpty() bool  { return string(id) == "" }

// ClientID identifies the submitting tenant.
type ClientID string

func NewClientID(id string) ClientID { return ClientID(id) }
func (c ClientID) String() string    { return string(c) }
func (c ClientID) IsEmpty() bool     { return string(c) == "" }

// NodeID identifies one orchestrator process. It doubles as the worker id on claims.
type NodeID string

func NewNodeID() NodeID         { return NodeID("node-" + uuid.NewString()[:8]) }
func (n NodeID) String() string { return string(n) }
func (n NodeID) IsEmpty() bool  { return string(n) == "" }
