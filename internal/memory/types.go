package memory

import (
	"time"
)

// NodeType classifies what a memory node holds.
type NodeType string

const (
	TypeKnowledge    NodeType = "knowledge"
	TypeExperience   NodeType = "experience"
	TypeSkill        NodeType = "skill"
	TypeRelationship NodeType = "relationship"
	TypeDecision     NodeType = "decision"
	TypeStrategy     NodeType = "strategy"
	TypeEmotion      NodeType = "emotion"
	TypeContext      NodeType = "context"
)

// ConsentLevel is a node's visibility policy.
type ConsentLevel string

const (
	ConsentPrivate    ConsentLevel = "private"
	ConsentRestricted ConsentLevel = "restricted"
	ConsentShared     ConsentLevel = "shared"
	ConsentPublic     ConsentLevel = "public"
)

// Rank orders consent levels from most open (0) to most closed. A node
// qualifies for a search floor when its rank is at most the floor's rank.
func (c ConsentLevel) Rank() int {
	switch c {
	case ConsentPublic:
		return 0
	case ConsentShared:
		return 1
	case ConsentRestricted:
		return 2
	case ConsentPrivate:
		return 3
	default:
		return 3
	}
}

// Node is a single memory in the graph.
type Node struct {
	ID           string                 `json:"id"`
	Type         NodeType               `json:"type"`
	Title        string                 `json:"title"`
	Content      string                 `json:"content"`
	Embedding    []float32              `json:"-"`
	OfficeID     string                 `json:"office_id"`
	ConsentLevel ConsentLevel           `json:"consent_level"`
	TTLSeconds   int                    `json:"ttl_seconds"`
	CreatedAt    time.Time              `json:"created_at"`
	AccessedAt   time.Time              `json:"accessed_at"`
	AccessCount  int                    `json:"access_count"`
	Connections  map[string]struct{}    `json:"-"`
	Tags         []string               `json:"tags"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// Expired reports whether the node's age has passed its TTL. Nodes with a
// non-positive TTL never expire.
func (n *Node) Expired(now time.Time) bool {
	if n.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(n.CreatedAt) > time.Duration(n.TTLSeconds)*time.Second
}

// GraphNode is a node summary in an exported subgraph.
type GraphNode struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Type         NodeType     `json:"type"`
	OfficeID     string       `json:"office_id"`
	ConsentLevel ConsentLevel `json:"consent_level"`
}

// GraphEdge is a directed rendering of one symmetric connection.
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Subgraph is the BFS export around a center node.
type Subgraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Config holds memory graph configuration.
type Config struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SearchOverfetch multiplies the requested limit when querying the
	// vector store, leaving room for consent filtering.
	SearchOverfetch int `mapstructure:"search_overfetch"`
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.SearchOverfetch == 0 {
		c.SearchOverfetch = 2
	}
}
