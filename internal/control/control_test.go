package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/netmate-project/meter-core/internal/classifier"
	"github.com/netmate-project/meter-core/internal/metrics"
	"github.com/netmate-project/meter-core/internal/netheader"
	"github.com/netmate-project/meter-core/internal/rules"
	"github.com/netmate-project/meter-core/internal/scheduler"
)

func testRule(id uint32, setName string) *classifier.Rule {
	return &classifier.Rule{
		ID:      id,
		SetName: setName,
		Filters: []classifier.Filter{{
			Name:   "proto",
			Refer:  netheader.ReferIP,
			Offset: 9,
			Len:    1,
			Mask:   []byte{0xff},
			Kind:   classifier.MatchExact,
			Values: [][]byte{{6}},
		}},
		MetricModules: []classifier.ModuleConfig{{Name: "count"}},
	}
}

func newTestController() *Controller {
	c := classifier.NewRFC()
	m := rules.NewManager(c, scheduler.New())
	return NewController(m, metrics.DefaultRegistry(), nil)
}

func TestControllerAddGetRmTask(t *testing.T) {
	ctrl := newTestController()

	id, err := ctrl.AddTask(testRule(0, "web"))
	require.NoError(t, err)
	assert.NotZero(t, id)

	info, err := ctrl.GetInfo("rules", "")
	require.NoError(t, err)
	require.Len(t, info, 1)
	assert.Equal(t, "web", info[0].SetName)

	require.NoError(t, ctrl.RmTask(id))

	info, err = ctrl.GetInfo("rules", "")
	require.NoError(t, err)
	assert.Empty(t, info)
}

func TestControllerRmTaskNotFound(t *testing.T) {
	ctrl := newTestController()
	err := ctrl.RmTask(99999)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeNotFound, ce.Code)
}

func TestControllerGetModInfoUnknownModule(t *testing.T) {
	ctrl := newTestController()
	_, err := ctrl.GetModInfo("does-not-exist")
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeNotFound, ce.Code)
}

func TestRuleWireRoundTrip(t *testing.T) {
	r := testRule(7, "api")
	w := ruleToWire(r)
	back, err := ruleFromWire(w)
	require.NoError(t, err)
	assert.Equal(t, r.SetName, back.SetName)
	assert.Equal(t, r.Filters[0].Kind, back.Filters[0].Kind)
	assert.Equal(t, r.Filters[0].Values, back.Filters[0].Values)
}

func dialBufconn(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	return conn
}

func TestGRPCServiceRoundTrip(t *testing.T) {
	ctrl := newTestController()
	srv := grpc.NewServer()
	RegisterControlServer(srv, NewService(ctrl))

	lis := bufconn.Listen(1024 * 1024)
	go srv.Serve(lis)
	defer srv.Stop()

	conn := dialBufconn(t, lis)
	defer conn.Close()
	client := NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addResp, err := client.AddTask(ctx, &AddTaskRequest{Rule: ruleToWire(testRule(0, "grpc-test"))})
	require.NoError(t, err)
	assert.NotZero(t, addResp.ID)

	infoResp, err := client.GetInfo(ctx, &GetInfoRequest{Type: "rules"})
	require.NoError(t, err)
	require.Len(t, infoResp.Rules, 1)
	assert.Equal(t, "grpc-test", infoResp.Rules[0].SetName)

	modResp, err := client.GetModInfo(ctx, &GetModInfoRequest{Name: "count"})
	require.NoError(t, err)
	assert.NotEmpty(t, modResp.Fields)

	_, err = client.RmTask(ctx, &RmTaskRequest{ID: addResp.ID})
	require.NoError(t, err)
}
