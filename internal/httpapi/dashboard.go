package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>TikCredit Submissions</title>
  <style>
    :root {
      --ink: #14212b;
      --paper: #f6f8fa;
      --card: #ffffff;
      --line: #d5dde4;
      --accent: #1268d1;
      --ok: #1d8f5f;
      --warn: #c07a1a;
      --danger: #c2483f;
      --muted: #66727d;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1100px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 16px;
    }

    h1 { margin: 0; font-size: 1.4rem; }

    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.4fr auto auto;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 8px;
      border: 1px solid var(--line);
      padding: 9px 11px;
      font-size: 0.92rem;
      outline: none;
    }

    button {
      border: 0;
      border-radius: 8px;
      padding: 9px 14px;
      font-family: inherit;
      font-weight: 600;
      cursor: pointer;
      background: var(--accent);
      color: #fff;
    }

    .stats {
      display: grid;
      gap: 12px;
      grid-template-columns: repeat(3, 1fr);
    }

    .stat {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }

    .stat .label { color: var(--muted); font-size: 0.8rem; text-transform: uppercase; }
    .stat .value { font-size: 1.6rem; font-weight: 700; margin-top: 4px; }

    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 8px 10px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }

    .pill { padding: 2px 8px; border-radius: 999px; font-size: 0.78rem; color: #fff; }
    .pill.pending { background: var(--warn); }
    .pill.synced { background: var(--ok); }
    .pill.failed { background: var(--danger); }

    #status { font-size: 0.85rem; color: var(--muted); }
    #status.live { color: var(--ok); }
    #status.err { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>TikCredit Submissions</h1>
      <div class="sub">Live intake monitor <span id="status">disconnected</span></div>
      <div class="controls">
        <input id="token" type="password" placeholder="access token" autocomplete="off" />
        <button id="connect">Connect</button>
        <button id="export">Export CSV</button>
      </div>
    </div>
    <div class="stats">
      <div class="stat"><div class="label">Total</div><div class="value" id="total">0</div></div>
      <div class="stat"><div class="label">Pending sync</div><div class="value" id="pending">0</div></div>
      <div class="stat"><div class="label">Last event</div><div class="value" id="lastEvent">&ndash;</div></div>
    </div>
    <div class="bar">
      <table>
        <thead>
          <tr><th>ID</th><th>Submitted</th><th>Name</th><th>Amount</th><th>Status</th></tr>
        </thead>
        <tbody id="rows"></tbody>
      </table>
    </div>
  </div>
  <script>
    (() => {
      const dom = {
        token: document.getElementById("token"),
        connect: document.getElementById("connect"),
        exportBtn: document.getElementById("export"),
        status: document.getElementById("status"),
        total: document.getElementById("total"),
        pending: document.getElementById("pending"),
        lastEvent: document.getElementById("lastEvent"),
        rows: document.getElementById("rows"),
      };
      let source = null;

      function setStatus(text, cls) {
        dom.status.textContent = text;
        dom.status.className = cls || "";
      }

      function esc(value) {
        const div = document.createElement("div");
        div.textContent = value == null ? "" : String(value);
        return div.innerHTML;
      }

      async function refresh() {
        const resp = await fetch("/v1/submissions", {
          headers: { Authorization: "Bearer " + dom.token.value },
        });
        if (!resp.ok) {
          setStatus("list failed: " + resp.status, "err");
          return;
        }
        const body = await resp.json();
        dom.total.textContent = body.totalCount;
        let pending = 0;
        dom.rows.innerHTML = body.submissions.map((sub) => {
          if (sub.status === "pending") pending++;
          const data = sub.data || {};
          return "<tr>" +
            "<td>" + esc(sub.id) + "</td>" +
            "<td>" + esc(sub.timestamp) + "</td>" +
            "<td>" + esc(data.fullName) + "</td>" +
            "<td>" + esc(data.amount) + "</td>" +
            "<td><span class=\"pill " + esc(sub.status) + "\">" + esc(sub.status) + "</span></td>" +
            "</tr>";
        }).join("");
        dom.pending.textContent = pending;
      }

      function connect() {
        if (source) source.close();
        source = new EventSource("/v1/realtime/events?token=" + encodeURIComponent(dom.token.value));
        source.addEventListener("connected", () => setStatus("live", "live"));
        source.addEventListener("new_submission", (event) => {
          dom.lastEvent.textContent = "new";
          refresh();
        });
        source.addEventListener("count_update", (event) => {
          const data = JSON.parse(event.data);
          dom.total.textContent = data.totalCount;
          dom.lastEvent.textContent = "count";
          refresh();
        });
        source.addEventListener("heartbeat", () => setStatus("live", "live"));
        source.onerror = () => setStatus("reconnecting", "err");
        window.localStorage.setItem("tikcredit_dashboard_token", dom.token.value);
        refresh();
      }

      dom.connect.addEventListener("click", connect);
      dom.exportBtn.addEventListener("click", async () => {
        const resp = await fetch("/v1/submissions/export", {
          headers: { Authorization: "Bearer " + dom.token.value },
        });
        if (!resp.ok) {
          setStatus("export failed: " + resp.status, "err");
          return;
        }
        const blob = await resp.blob();
        const link = document.createElement("a");
        link.href = URL.createObjectURL(blob);
        link.download = "submissions.csv";
        link.click();
        URL.revokeObjectURL(link.href);
      });

      dom.token.value = window.localStorage.getItem("tikcredit_dashboard_token") || "";
      if (dom.token.value) {
        connect();
      } else {
        setStatus("enter token to start");
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
