package httpserver

// indexHTML is the minimal challenge landing page: enough markup to fetch a
// captcha and call /deploy, no build step or asset pipeline involved.
const indexHTML = `<!DOCTYPE html>
<html>
<head><title>ctfrange</title></head>
<body>
<h1>Challenge Range</h1>
<p>GET /get_captcha, then POST /deploy with {captcha_id, captcha_answer}.</p>
</body>
</html>
`

// adminHTML is the minimal operator console: a static shell that talks to
// /admin/status, /logs, and /admin/stream over plain fetch/WebSocket calls.
const adminHTML = `<!DOCTYPE html>
<html>
<head><title>ctfrange admin</title></head>
<body>
<h1>ctfrange admin</h1>
<p>Append ?admin_key=... or set X-Admin-Key, then GET /admin/status, /logs, or open /admin/stream.</p>
</body>
</html>
`
