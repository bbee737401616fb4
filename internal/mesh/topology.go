package mesh

import "time"

// TopologySnapshot is the node's local view of mesh shape. It counts the node
// itself plus every directory entry, so TotalNodes on a freshly started node
// is 1.
type TopologySnapshot struct {
	GeneratedAt  time.Time      `json:"generated_at"`
	TotalNodes   int            `json:"total_nodes"`
	Regions      map[string]int `json:"regions"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	MeshDensity  float64        `json:"mesh_density"`
}

// meshDensity is the ratio of actual links to the maximum possible links in a
// mesh of totalNodes participants. Undefined below two nodes; reported as 0.
func meshDensity(actualConnections, totalNodes int) float64 {
	if totalNodes < 2 {
		return 0
	}
	possible := float64(totalNodes*(totalNodes-1)) / 2
	return float64(actualConnections) / possible
}
