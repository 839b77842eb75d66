package server

// indexHTML is the minimal built-in viewer: the live stream with
// detection boxes drawn from WebSocket events.
const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>visionrelay</title>
<style>
  body { margin: 0; background: #111; color: #ddd; font-family: monospace; }
  #wrap { position: relative; width: 640px; margin: 2em auto; }
  #stream { display: block; width: 100%; }
  #overlay { position: absolute; top: 0; left: 0; pointer-events: none; }
  #controls { text-align: center; margin: 1em; }
  button { font-family: inherit; margin: 0 0.5em; }
</style>
</head>
<body>
<div id="controls">
  <button onclick="control('webcam','start')">start webcam</button>
  <button onclick="control('webcam','stop')">stop webcam</button>
  <button onclick="control('video','start')">start video</button>
  <button onclick="control('video','stop')">stop video</button>
</div>
<div id="wrap">
  <img id="stream" src="/stream">
  <canvas id="overlay" width="640" height="480"></canvas>
</div>
<script>
const canvas = document.getElementById('overlay');
const ctx = canvas.getContext('2d');

function control(name, op) {
  fetch('/api/sessions/' + name + '/' + op, {method: 'POST'});
}

const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
ws.onmessage = (msg) => {
  const event = JSON.parse(msg.data);
  if (event.eventType !== 'detections') return;
  canvas.width = event.frameWidth;
  canvas.height = event.frameHeight;
  ctx.clearRect(0, 0, canvas.width, canvas.height);
  ctx.strokeStyle = '#0f0';
  ctx.fillStyle = '#0f0';
  ctx.font = '12px monospace';
  for (const p of event.predictions) {
    const x = p.x - p.width / 2, y = p.y - p.height / 2;
    ctx.strokeRect(x, y, p.width, p.height);
    ctx.fillText(p.class + ' ' + p.confidence.toFixed(2), x, y - 4);
  }
};
</script>
</body>
</html>
`
