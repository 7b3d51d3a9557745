package web

import (
	"fmt"
	"html/template"
	"io"
	"log"
	"time"

	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/state"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"reading": func(f state.Float, format string) string {
		if !f.Valid {
			return "no data yet"
		}
		return fmt.Sprintf(format, f.Value)
	},
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Vent Hub</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.open { color: green; font-weight: bold; }
.closed { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
button { font-family: monospace; margin-right: 4px; }
</style>
</head>
<body>
<h1>Vent Hub<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Indoor</h2>
<table>
<tr><th>Temperature</th><td id="in-temp">{{reading .Snap.Indoor.Temperature "%.1f°C"}}</td></tr>
<tr><th>Humidity</th><td id="in-hum">{{reading .Snap.Indoor.Humidity "%.0f%%"}}</td></tr>
<tr><th>Gas resistance</th><td id="in-gas">{{reading .Snap.Indoor.Gas "%.0fΩ"}}</td></tr>
</table>

<h2>Outdoor</h2>
<table>
<tr><th>Temperature</th><td id="out-temp">{{reading .Snap.Outdoor.Temperature "%.1f°C"}}</td></tr>
<tr><th>Humidity</th><td id="out-hum">{{reading .Snap.Outdoor.Humidity "%.0f%%"}}</td></tr>
<tr><th>Battery</th><td id="out-bat">{{reading .Snap.Outdoor.Battery "%.0f%%"}}</td></tr>
</table>

<h2>Window</h2>
<table>
<tr><th>Status</th><td id="win-state" class="{{.Snap.Actuator.State}}">{{.Snap.Actuator.State}}</td></tr>
<tr><th>Position</th><td id="win-pos">{{if .Snap.Actuator.UpdatedAt.IsZero}}no data yet{{else}}{{.Snap.Actuator.Position}} / {{.Snap.Actuator.MaxPosition}}{{end}}</td></tr>
<tr><th>Last command</th><td>{{if .Control.LastCommand}}{{.Control.LastCommand}} at {{when .Control.LastCommandAt}}{{else}}none{{end}}</td></tr>
<tr><th>Last decision</th><td>{{with .Control.LastDecision}}{{.Reason}}{{else}}none yet{{end}}</td></tr>
<tr><th>Override until</th><td>{{when .Control.OverrideUntil}}</td></tr>
</table>
<p>{{range .Commands}}<button onclick="send('{{.}}')">{{.}}</button>{{end}}</p>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .Connected}}connected{{else}}disconnected{{end}}">{{if .Connected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Info.Broker}}</td></tr>
{{with .Sync}}<tr><th>Sync</th><td>{{if eq .Failures 0}}ok{{else}}{{.Failures}} failures, retry in {{.NextWaitSeconds}}s{{end}}</td></tr>{{end}}
{{with .Pending}}<tr><th>Unsynced records</th><td>{{.}}</td></tr>{{end}}
{{with .Snap.LastError}}<tr><th>Last device error</th><td>{{.Device}}: {{.Message}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Device</th><td>{{.Info.DeviceID}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.Info.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Evaluations</th><td>{{.Control.Evaluations}}</td></tr>
<tr><th>Buttons</th><td>{{if .Info.Buttons}}enabled{{else}}disabled{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Info.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/api/data">data</a> · <a href="/api/thresholds">thresholds</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var ws;

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function show(id, v, fmt) {
    document.getElementById(id).textContent = v === null ? "no data yet" : fmt(v);
  }

  function render(d) {
    show("in-temp", d.indoor.temperature, function(v) { return v.toFixed(1) + "°C"; });
    show("in-hum", d.indoor.humidity, function(v) { return v.toFixed(0) + "%"; });
    show("in-gas", d.indoor.gas, function(v) { return v.toFixed(0) + "Ω"; });
    show("out-temp", d.outdoor.temperature, function(v) { return v.toFixed(1) + "°C"; });
    show("out-hum", d.outdoor.humidity, function(v) { return v.toFixed(0) + "%"; });
    show("out-bat", d.outdoor.battery, function(v) { return v.toFixed(0) + "%"; });
    var st = document.getElementById("win-state");
    st.textContent = d.actuator.status;
    st.className = d.actuator.status;
    show("win-pos", d.actuator.position, function(v) { return v + " / " + d.actuator.max_position; });
  }

  window.send = function(cmd) {
    if (ws && ws.readyState === 1) {
      ws.send(JSON.stringify({type: "window_command", command: cmd}));
    }
  };

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() { setDot("err", "offline"); setTimeout(connect, 5000); };
    ws.onmessage = function(ev) {
      try {
        var msg = JSON.parse(ev.data);
        if (msg.data) { render(msg.data); }
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, v view) {
	data := struct {
		view
		Uptime   time.Duration
		Commands []climate.Command
	}{
		view:     v,
		Uptime:   v.uptime(),
		Commands: climate.Commands,
	}
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Printf("web: render index: %v", err)
	}
}
