package monitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Sniper Watch</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
    <style>
        body { background:#0b0f19; color:#e5e7eb; font-family:system-ui,sans-serif; margin:0; }
        .app { padding:16px; display:grid; grid-template-columns:2fr 1fr; gap:16px; }
        .panel { background:#111827; border-radius:8px; padding:12px; }
        .badge { padding:2px 8px; border-radius:10px; background:#374151; font-size:12px; }
        .badge.connected { background:#19c37d; color:#0b0f19; }
        .badge.reconnecting, .badge.connecting { background:#ffb020; color:#0b0f19; }
        canvas { width:100%; background:#000; border-radius:6px; }
        ul { list-style:none; padding:0; margin:0; max-height:360px; overflow:auto; }
        li { display:flex; gap:8px; padding:4px 0; border-bottom:1px solid #1f2937; font-size:13px; }
        .err { color:#ff6b6b; } .warn { color:#ffb020; } .info { color:#93c5fd; }
    </style>
</head>
<body>
    <div class="app">
        <div class="panel">
            <h2>Live overlay <span class="badge" id="status-badge">disconnected</span></h2>
            <canvas id="overlay" width="1280" height="720"></canvas>
            <p>
                <input id="endpoint" size="40" placeholder="ws://backend:5000/ws">
                <button id="connect">Connect</button>
                <button id="disconnect">Disconnect</button>
            </p>
        </div>
        <div>
            <div class="panel"><h3>Events</h3><ul id="events"></ul></div>
            <div class="panel" style="margin-top:16px;"><h3>Notices</h3><ul id="notices"></ul></div>
        </div>
    </div>
    <script>
        const canvas = document.getElementById('overlay');
        const ctx = canvas.getContext('2d');

        function draw(cmds) {
            ctx.clearRect(0, 0, canvas.width, canvas.height);
            for (const c of cmds) {
                ctx.setLineDash(c.dash || []);
                ctx.lineWidth = c.lineWidth || 1;
                if (c.stroke) ctx.strokeStyle = c.stroke;
                if (c.fill) ctx.fillStyle = c.fill;
                switch (c.kind) {
                case 'fill_rect': ctx.fillRect(c.rect.x, c.rect.y, c.rect.w, c.rect.h); break;
                case 'stroke_rect': ctx.strokeRect(c.rect.x, c.rect.y, c.rect.w, c.rect.h); break;
                case 'text': ctx.font = '12px monospace'; ctx.fillText(c.text, c.at.x, c.at.y); break;
                default: {
                    ctx.beginPath();
                    c.points.forEach((p, i) => i ? ctx.lineTo(p.x, p.y) : ctx.moveTo(p.x, p.y));
                    if (c.kind !== 'stroke_polyline') ctx.closePath();
                    if (c.kind === 'fill_polygon') ctx.fill(); else ctx.stroke();
                }
                }
            }
        }

        async function refreshOverlay() {
            const res = await fetch('/api/overlay?w=' + canvas.width + '&h=' + canvas.height);
            draw((await res.json()).commands || []);
        }

        async function refreshEvents() {
            const res = await fetch('/api/events?limit=50');
            const list = document.getElementById('events');
            list.innerHTML = '';
            for (const ev of (await res.json()).events) {
                const li = document.createElement('li');
                li.innerHTML = '<span class="err">' + Math.round(ev.detection.score * 100) + '%</span>' +
                    '<span>' + ev.detection.label + '</span><time>' + new Date(ev.time).toLocaleTimeString() + '</time>';
                list.appendChild(li);
            }
        }

        new EventSource('/api/detections/stream').onmessage = e => {
            refreshOverlay();
            if ((JSON.parse(e.data).recorded || []).length) refreshEvents();
        };
        new EventSource('/api/status/stream').onmessage = e => {
            const status = JSON.parse(e.data).connection.status;
            const badge = document.getElementById('status-badge');
            badge.textContent = status;
            badge.className = 'badge ' + status;
        };
        new EventSource('/api/notices/stream').onmessage = e => {
            const a = JSON.parse(e.data);
            const li = document.createElement('li');
            li.innerHTML = '<span class="' + a.level + '">' + a.title + '</span><span>' + a.body + '</span>';
            const list = document.getElementById('notices');
            list.prepend(li);
            while (list.children.length > 20) list.removeChild(list.lastChild);
        };

        document.getElementById('connect').onclick = () => fetch('/api/connection/connect', {
            method: 'POST', headers: {'Content-Type': 'application/json'},
            body: JSON.stringify({endpoint: document.getElementById('endpoint').value}),
        });
        document.getElementById('disconnect').onclick = () => fetch('/api/connection/disconnect', {method: 'POST'});

        fetch('/api/settings').then(r => r.json()).then(s => { document.getElementById('endpoint').value = s.apiEndpoint; });
        refreshOverlay();
        refreshEvents();
    </script>
</body>
</html>
`
