// Command zabbix-sim is a fake Zabbix JSON-RPC endpoint for local
// development. It accepts user.login, answers problem.get with a rotating
// set of synthetic problems, resolves them after a while, and records
// event.acknowledge calls.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const simToken = "sim-auth-token"

var hosts = []string{"db1", "web1", "web2", "cache1", "worker1"}

var problemNames = []string{
	"CPU high",
	"Disk space low on /var",
	"Load average too high",
	"Memory usage above 90%",
	"Service nginx is down",
}

type simProblem struct {
	EventID      string
	Name         string
	Host         string
	Severity     int
	Clock        int64
	ResolvedAt   int64 // 0 while active
	Acknowledged bool
}

type simulator struct {
	mu       sync.Mutex
	problems []*simProblem
	nextID   int
}

func (s *simulator) spawn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p := &simProblem{
		EventID:  strconv.Itoa(100000 + s.nextID),
		Name:     problemNames[rand.Intn(len(problemNames))],
		Host:     hosts[rand.Intn(len(hosts))],
		Severity: rand.Intn(6),
		Clock:    time.Now().Unix(),
	}
	s.problems = append(s.problems, p)
	logrus.Infof("New problem %s: %s on %s (severity %d)", p.EventID, p.Name, p.Host, p.Severity)
}

func (s *simulator) resolveRandom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*simProblem
	for _, p := range s.problems {
		if p.ResolvedAt == 0 {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return
	}
	p := active[rand.Intn(len(active))]
	p.ResolvedAt = time.Now().Unix()
	logrus.Infof("Problem %s resolved", p.EventID)
}

func (s *simulator) list(timeFrom int64) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, p := range s.problems {
		clock := p.Clock
		if p.ResolvedAt > clock {
			clock = p.ResolvedAt
		}
		if timeFrom > 0 && clock < timeFrom {
			continue
		}
		rEventID := "0"
		if p.ResolvedAt > 0 {
			rEventID = "9" + p.EventID
		}
		out = append(out, map[string]interface{}{
			"eventid":   p.EventID,
			"objectid":  "7" + p.EventID,
			"name":      p.Name,
			"severity":  strconv.Itoa(p.Severity),
			"clock":     strconv.FormatInt(clock, 10),
			"r_eventid": rEventID,
			"hosts":     []map[string]string{{"host": p.Host}},
		})
	}
	return out
}

func (s *simulator) acknowledge(eventIDs interface{}) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("%v", eventIDs)
	var acked []string
	for _, p := range s.problems {
		if p.EventID == id {
			p.Acknowledged = true
			acked = append(acked, p.EventID)
			logrus.Infof("Problem %s acknowledged via API", p.EventID)
		}
	}
	return acked
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Auth   string          `json:"auth"`
	ID     int64           `json:"id"`
}

func writeResult(w http.ResponseWriter, id int64, result interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"result":  result,
		"id":      id,
	})
}

func writeError(w http.ResponseWriter, id int64, code int, message string) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   map[string]interface{}{"code": code, "message": message, "data": ""},
		"id":      id,
	})
}

func main() {
	port := flag.String("port", "18080", "listen port")
	spawnEvery := flag.Duration("spawn", 15*time.Second, "interval between new problems")
	resolveEvery := flag.Duration("resolve", 45*time.Second, "interval between resolutions")
	flag.Parse()

	sim := &simulator{}
	sim.spawn()

	go func() {
		for range time.Tick(*spawnEvery) {
			sim.spawn()
		}
	}()
	go func() {
		for range time.Tick(*resolveEvery) {
			sim.resolveRandom()
		}
	}()

	http.HandleFunc("/api_jsonrpc.php", func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 0, -32700, "Parse error")
			return
		}
		w.Header().Set("Content-Type", "application/json")

		switch req.Method {
		case "apiinfo.version":
			writeResult(w, req.ID, "7.0.0-sim")
		case "user.login":
			writeResult(w, req.ID, simToken)
		case "problem.get":
			if req.Auth != simToken {
				writeError(w, req.ID, -32602, "Not authorised.")
				return
			}
			var params struct {
				TimeFrom int64 `json:"time_from"`
			}
			json.Unmarshal(req.Params, &params)
			writeResult(w, req.ID, sim.list(params.TimeFrom))
		case "event.acknowledge":
			if req.Auth != simToken {
				writeError(w, req.ID, -32602, "Not authorised.")
				return
			}
			var params struct {
				EventIDs interface{} `json:"eventids"`
			}
			json.Unmarshal(req.Params, &params)
			writeResult(w, req.ID, map[string]interface{}{"eventids": sim.acknowledge(params.EventIDs)})
		default:
			writeError(w, req.ID, -32601, "Method not found")
		}
	})

	logrus.Infof("Zabbix simulator listening on :%s (spawn %s, resolve %s)", *port, *spawnEvery, *resolveEvery)
	if err := http.ListenAndServe(":"+*port, nil); err != nil {
		logrus.Fatalf("Simulator failed: %v", err)
	}
}
