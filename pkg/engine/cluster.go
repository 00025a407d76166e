package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/metrics"
	"github.com/coldb/coldb/pkg/query"
)

// dataRequest and dataResponse mirror pkg/cluster's private request and
// response wire frames field-for-field: that package never exports its
// struct, so this is the owner-node side of the same JSON protocol its
// Client already speaks against /data.
type dataRequest struct {
	RequestID string          `json:"request_id"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
}

type dataResponse struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Rows      json.RawMessage `json:"rows,omitempty"`
}

var dataUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// JoinCluster connects to the given seed addresses and joins their
// cluster, gated by ClusterEnabled at construction.
func (e *Engine) JoinCluster(seeds []string) error {
	if e.clusterMgr == nil {
		return fmt.Errorf("engine: %w: cluster support is not enabled", cerr.IllegalState)
	}
	e.clusterMgr.Registry.JoinCluster(seeds)
	return nil
}

// ClusterStats reports ring membership, cache, and client stats.
func (e *Engine) ClusterStats() (map[string]any, error) {
	if e.clusterMgr == nil {
		return nil, fmt.Errorf("engine: %w: cluster support is not enabled", cerr.IllegalState)
	}
	stats := e.clusterMgr.Stats()
	out := map[string]any{}
	data, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServeCluster upgrades an inbound HTTP connection to the membership
// and heartbeat websocket mounted at /cluster. Nil-safe no-op response
// when cluster support is disabled, so callers can mount it
// unconditionally.
func (e *Engine) ServeCluster(w http.ResponseWriter, r *http.Request) {
	if e.clusterMgr == nil {
		http.Error(w, "cluster support is not enabled", http.StatusNotFound)
		return
	}
	e.clusterMgr.Registry.ServeWS(w, r)
}

// ServeData upgrades an inbound HTTP connection to the owner-node data
// websocket mounted at /data and serves requests on it until it closes.
// Unlike pkg/cluster.Registry.ServeWS (membership/heartbeat traffic on
// /cluster), this handles the row-operation actions peers forward to
// whichever node owns a partition.
func (e *Engine) ServeData(w http.ResponseWriter, r *http.Request) {
	conn, err := dataUpgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn().Err(err).Msg("data websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var req dataRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := e.handleDataRequest(req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (e *Engine) handleDataRequest(req dataRequest) dataResponse {
	resp := dataResponse{RequestID: req.RequestID}
	data, rows, err := e.dispatchDataAction(req.Action, req.Data)
	if err != nil {
		metrics.ClusterRequestsTotal.WithLabelValues(req.Action, "error").Inc()
		resp.Error = err.Error()
		return resp
	}
	metrics.ClusterRequestsTotal.WithLabelValues(req.Action, "success").Inc()
	resp.Success = true
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			resp.Data = b
		}
	}
	if rows != nil {
		if b, err := json.Marshal(rows); err == nil {
			resp.Rows = b
		}
	}
	return resp
}

func (e *Engine) dispatchDataAction(action string, raw json.RawMessage) (any, []map[string]any, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ClusterRequestDuration, action)

	switch action {
	case "ping":
		return map[string]any{"node_id": e.opts.NodeID, "time": time.Now().UnixMilli()}, nil, nil

	case "stats":
		return e.Stats(), nil, nil

	case "insert":
		var p struct {
			TableName string         `json:"table_name"`
			Data      map[string]any `json:"data"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		id, err := e.Insert(p.TableName, p.Data)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"row_id": id}, nil, nil

	case "update":
		var p struct {
			TableName string         `json:"table_name"`
			RowID     uint64         `json:"row_id"`
			Data      map[string]any `json:"data"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		existed, err := e.Update(p.TableName, p.RowID, p.Data)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"existed": existed}, nil, nil

	case "delete":
		var p struct {
			TableName string `json:"table_name"`
			RowID     uint64 `json:"row_id"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		if err := e.Delete(p.TableName, p.RowID); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil

	case "find_by_id":
		var p struct {
			TableName string `json:"table_name"`
			RowID     uint64 `json:"row_id"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		row, ok, err := e.FindByID(p.TableName, p.RowID)
		if err != nil || !ok {
			return nil, nil, err
		}
		return row, nil, nil

	case "select", "query":
		var p map[string]any
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		tableName, _ := p["table_name"].(string)
		qb, err := buildQueryFromParams(tableName, p)
		if err != nil {
			return nil, nil, err
		}
		result, err := e.Select(qb)
		if err != nil {
			return nil, nil, err
		}
		return nil, result, nil

	case "find_one":
		var p map[string]any
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		tableName, _ := p["table_name"].(string)
		qb, err := buildQueryFromParams(tableName, p)
		if err != nil {
			return nil, nil, err
		}
		row, ok, err := e.FindOne(qb)
		if err != nil || !ok {
			return nil, nil, err
		}
		return row, nil, nil

	case "count":
		var p map[string]any
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		tableName, _ := p["table_name"].(string)
		qb, err := buildQueryFromParams(tableName, p)
		if err != nil {
			return nil, nil, err
		}
		n, err := e.Count(tableName, qb)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"count": n}, nil, nil

	case "exists":
		var p map[string]any
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		tableName, _ := p["table_name"].(string)
		qb, err := buildQueryFromParams(tableName, p)
		if err != nil {
			return nil, nil, err
		}
		ok, err := e.Exists(qb)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"exists": ok}, nil, nil

	case "fetch_guild_data":
		var p struct {
			GuildID   uint64 `json:"guild_id"`
			TableName string `json:"table_name"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		schema, err := e.requireSchema(p.TableName)
		if err != nil {
			return nil, nil, err
		}
		if !schema.IsPartitioned() {
			return nil, nil, fmt.Errorf("engine: table %s: %w: not partitioned", p.TableName, cerr.SchemaViolation)
		}
		row, ok, err := e.FindByColumn(p.TableName, schema.PartitionKey, float64(p.GuildID))
		if err != nil || !ok {
			return nil, nil, err
		}
		return row, nil, nil

	case "write_data":
		var p struct {
			GuildID   uint64         `json:"guild_id"`
			TableName string         `json:"table_name"`
			Data      map[string]any `json:"data"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		schema, err := e.requireSchema(p.TableName)
		if err != nil {
			return nil, nil, err
		}
		if schema.IsPartitioned() {
			p.Data[schema.PartitionKey] = p.GuildID
			if existing, ok, err := e.FindByColumn(p.TableName, schema.PartitionKey, float64(p.GuildID)); err == nil && ok {
				rowID, _ := rowIDFromMap(existing)
				_, err := e.Update(p.TableName, rowID, p.Data)
				return nil, nil, err
			}
		}
		_, err = e.Insert(p.TableName, p.Data)
		return nil, nil, err

	case "invalidate_cache":
		var p struct {
			GuildID   uint64 `json:"guild_id"`
			TableName string `json:"table_name"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		if p.TableName != "" {
			e.queryCache.InvalidateTable(p.TableName)
		} else {
			e.queryCache.Clear()
		}
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("engine: %w: unknown action %q", cerr.SchemaViolation, action)
	}
}

// rowIDFromMap recovers the internal row id a caller never set
// explicitly but that FindByID and FindByColumn always add under the
// synthetic "row_id" key (so write_data can locate an existing
// partition row to merge into, mirroring directflush/lsm's own
// read-merge-update pattern).
func rowIDFromMap(row map[string]any) (uint64, bool) {
	v, ok := row["row_id"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint64:
		return n, true
	case float64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case string:
		parsed, err := strconv.ParseUint(n, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

// buildQueryFromParams translates the generic JSON params a cluster
// peer sends with select/query/count/exists/find_one into a query
// Builder: where: [{column, op, value}], order_by: [{column, direction}],
// limit, offset.
func buildQueryFromParams(tableName string, params map[string]any) (*query.Builder, error) {
	qb := query.New(tableName)

	if whereRaw, ok := params["where"].([]any); ok {
		for _, c := range whereRaw {
			cond, ok := c.(map[string]any)
			if !ok {
				continue
			}
			column, _ := cond["column"].(string)
			op, _ := cond["op"].(string)
			if column == "" || op == "" {
				continue
			}
			qb = qb.Where(column, query.Operator(op), cond["value"])
		}
	}

	if orderRaw, ok := params["order_by"].([]any); ok {
		for _, o := range orderRaw {
			spec, ok := o.(map[string]any)
			if !ok {
				continue
			}
			column, _ := spec["column"].(string)
			if column == "" {
				continue
			}
			dir := query.Asc
			if d, ok := spec["direction"].(string); ok && query.Direction(d) == query.Desc {
				dir = query.Desc
			}
			qb = qb.OrderBy(column, dir, false)
		}
	}

	if limit, ok := params["limit"].(float64); ok {
		qb = qb.Limit(int(limit))
	}
	if offset, ok := params["offset"].(float64); ok {
		qb = qb.Offset(int(offset))
	}

	return qb, nil
}
