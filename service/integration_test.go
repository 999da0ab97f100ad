package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meadowlark-bradsher/tee/graph"
	"github.com/meadowlark-bradsher/tee/metric"
	"github.com/meadowlark-bradsher/tee/natsclient"
	"github.com/meadowlark-bradsher/tee/store"
)

// startNATSContainer starts a disposable NATS server and returns its URL
func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return container, "nats://" + host + ":" + port.Port()
}

func TestIntegration_RequestReplyOverNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}

	ctx := context.Background()

	container, natsURL := startNATSContainer(ctx, t)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	client, err := natsclient.NewClient(natsURL)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	svc, err := New(Dependencies{
		NATSClient: client,
		Store:      store.NewMemoryStore(),
		Metrics:    metric.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	nc := client.GetConnection()
	require.NotNil(t, nc)

	request := func(subject string, req any, resp any) {
		t.Helper()
		data, err := json.Marshal(req)
		require.NoError(t, err)
		msg, err := nc.Request(subject, data, 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(msg.Data, resp))
	}

	// Merge a small hypothesis graph
	var mergeResp graph.MergeHypothesisResponse
	request("tee.hypothesis.merge", graph.MergeHypothesisRequest{
		Delta: graph.Delta{
			Nodes: []graph.Node{
				{ID: "api", Type: graph.NodeTypeService, Label: "api", Hypothetical: true},
				{ID: "db", Type: graph.NodeTypeDependency, Label: "db", Hypothetical: true},
			},
			Edges:      []graph.Edge{{Source: "api", Target: "db", Type: graph.EdgeTypeDependsOn}},
			Provenance: graph.Provenance{Source: "agent-a", Trigger: "boot"},
		},
	}, &mergeResp)
	require.True(t, mergeResp.Success)
	assert.Len(t, mergeResp.CreatedIDs, 3)

	// Register an incident and eliminate the db node
	var incResp graph.CreateIncidentResponse
	request("tee.incident.create", graph.CreateIncidentRequest{IncidentID: "inc-1"}, &incResp)
	require.True(t, incResp.Success)

	var tombResp graph.TombstoneMergeResponse
	request("tee.tombstone.node.merge", graph.NodeTombstoneRequest{
		IncidentID: "inc-1",
		NodeIDs:    []string{"db"},
		Provenance: graph.Provenance{Source: "supervisor", Trigger: "eliminate"},
	}, &tombResp)
	require.True(t, tombResp.Success)
	assert.Equal(t, []string{"db"}, tombResp.AppliedIDs)

	// The live view drops the node and its edge; the main graph keeps both
	var liveResp graph.ViewResponse
	request("tee.view.live", graph.ViewRequest{IncidentID: "inc-1"}, &liveResp)
	require.True(t, liveResp.Success)
	require.Len(t, liveResp.Nodes, 1)
	assert.Equal(t, "api", liveResp.Nodes[0].ID)
	assert.Empty(t, liveResp.Edges)

	var mainResp graph.ViewResponse
	request("tee.graph.main", graph.MainGraphRequest{}, &mainResp)
	require.True(t, mainResp.Success)
	assert.Len(t, mainResp.Nodes, 2)
	assert.Len(t, mainResp.Edges, 1)

	// NotFound surfaces through the wire
	var ctxResp graph.IncidentContextResponse
	request("tee.incident.context", graph.IncidentContextRequest{IncidentID: "ghost"}, &ctxResp)
	assert.False(t, ctxResp.Success)
	assert.Equal(t, "not_found", ctxResp.ErrorCode)
}
