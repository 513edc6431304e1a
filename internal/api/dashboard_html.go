package api

// dashboardHTML is the embedded admin dashboard SPA, adapted from the
// teacher's tenant-CRUD dashboard: pgagroal has no runtime tenant
// registration, so the add/edit/delete tenant panel and its form are
// gone, replaced by read-only server and database views plus a flush
// action per database.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>pgagroal Dashboard</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--bg-card-hover:#1c2129;--bg-input:#0d1117;
  --border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;--text-dim:#484f58;
  --primary:#58a6ff;--primary-hover:#79b8ff;
  --green:#3fb950;--red:#f85149;--yellow:#d29922;--orange:#db6d28;
  --radius:8px;--radius-sm:4px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
button{cursor:pointer;font-family:inherit;font-size:inherit}
.container{max-width:1200px;margin:0 auto;padding:0 24px 48px}
header{background:var(--bg-card);border-bottom:1px solid var(--border);padding:12px 24px;position:sticky;top:0;z-index:100}
.header-inner{max-width:1200px;margin:0 auto;display:flex;align-items:center;gap:16px;flex-wrap:wrap}
.header-title{font-size:20px;font-weight:700}
.header-badges{display:flex;gap:8px;align-items:center;margin-left:auto}
.badge{display:inline-flex;align-items:center;gap:4px;padding:2px 10px;border-radius:12px;font-size:12px;font-weight:600;border:1px solid var(--border)}
.badge-healthy{color:var(--green);border-color:var(--green)}
.badge-unhealthy{color:var(--red);border-color:var(--red)}
.dot{width:8px;height:8px;border-radius:50%;display:inline-block}
.dot-green{background:var(--green)}.dot-yellow{background:var(--yellow)}.dot-red{background:var(--red)}.dot-gray{background:var(--text-dim)}
.summary{display:grid;grid-template-columns:repeat(4,1fr);gap:16px;margin:24px 0}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:20px}
.card-label{font-size:12px;text-transform:uppercase;letter-spacing:.5px;color:var(--text-muted);margin-bottom:4px}
.card-value{font-size:32px;font-weight:700;line-height:1.2}
.section{margin-bottom:32px}
.section h2{font-size:16px;margin-bottom:12px}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
th,td{text-align:left;padding:10px 14px;border-bottom:1px solid var(--border);font-size:13px}
th{color:var(--text-muted);font-weight:600;text-transform:uppercase;font-size:11px;letter-spacing:.3px}
tr:last-child td{border-bottom:none}
.btn{display:inline-flex;align-items:center;gap:6px;padding:4px 10px;border-radius:var(--radius-sm);font-size:12px;font-weight:500;border:1px solid var(--border);background:var(--bg-card);color:var(--text)}
.btn:hover{background:var(--bg-card-hover)}
.empty-state{text-align:center;padding:32px;color:var(--text-muted)}
</style>
</head>
<body>
<header>
  <div class="header-inner">
    <div class="header-title">pgagroal</div>
    <div class="header-badges">
      <span class="badge" id="overallBadge">loading…</span>
    </div>
  </div>
</header>
<div class="container">
  <div class="summary">
    <div class="card"><div class="card-label">Servers</div><div class="card-value" id="numServers">0</div></div>
    <div class="card"><div class="card-label">Slots</div><div class="card-value" id="numSlots">0</div></div>
    <div class="card"><div class="card-label">Goroutines</div><div class="card-value" id="numGoroutines">0</div></div>
    <div class="card"><div class="card-label">Uptime (s)</div><div class="card-value" id="uptime">0</div></div>
  </div>

  <div class="section">
    <h2>Servers</h2>
    <table>
      <thead><tr><th>Name</th><th>Address</th><th>State</th></tr></thead>
      <tbody id="serversBody"><tr><td colspan="3" class="empty-state">Loading…</td></tr></tbody>
    </table>
  </div>

  <div class="section">
    <h2>Databases</h2>
    <table>
      <thead><tr><th>Database</th><th>Active</th><th>Free</th><th>Total</th><th></th></tr></thead>
      <tbody id="databasesBody"><tr><td colspan="5" class="empty-state">Loading…</td></tr></tbody>
    </table>
  </div>
</div>
<script>
function esc(s){var d=document.createElement('div');d.textContent=s;return d.innerHTML}
function apiFetch(path,opts){return fetch(path,opts).then(function(r){return r.json()})}
function stateDot(state){
  if(state==='PRIMARY')return '<span class="dot dot-green"></span>';
  if(state==='REPLICA')return '<span class="dot dot-yellow"></span>';
  if(state==='FAILOVER'||state==='FAILED')return '<span class="dot dot-red"></span>';
  return '<span class="dot dot-gray"></span>';
}
function refreshStatus(){
  return apiFetch('/status').then(function(d){
    document.getElementById('numServers').textContent=d.num_servers||0;
    document.getElementById('numSlots').textContent=d.num_slots||0;
    document.getElementById('numGoroutines').textContent=d.goroutines||0;
    document.getElementById('uptime').textContent=d.uptime_seconds||0;
  });
}
function refreshHealth(){
  return apiFetch('/health').then(function(d){
    var b=document.getElementById('overallBadge');
    var healthy=d.status==='healthy';
    b.className='badge '+(healthy?'badge-healthy':'badge-unhealthy');
    b.textContent=healthy?'healthy':'unhealthy';
  });
}
function refreshServers(){
  return apiFetch('/servers').then(function(list){
    var tbody=document.getElementById('serversBody');
    if(!list||list.length===0){
      tbody.innerHTML='<tr><td colspan="3" class="empty-state">No servers configured</td></tr>';
      return;
    }
    tbody.innerHTML=list.map(function(s){
      return '<tr><td>'+esc(s.name)+'</td><td>'+esc(s.address)+'</td><td>'+stateDot(s.state)+' '+esc(s.state)+'</td></tr>';
    }).join('');
  });
}
function refreshDatabases(){
  return apiFetch('/databases').then(function(list){
    var tbody=document.getElementById('databasesBody');
    if(!list||list.length===0){
      tbody.innerHTML='<tr><td colspan="5" class="empty-state">No active databases</td></tr>';
      return;
    }
    tbody.innerHTML=list.map(function(d){
      return '<tr><td>'+esc(d.database)+'</td><td>'+d.active+'</td><td>'+d.free+'</td><td>'+d.total+'</td>'+
        '<td><button class="btn" onclick="flushDatabase(\''+esc(d.database)+'\')">Flush</button></td></tr>';
    }).join('');
  });
}
function flushDatabase(name){
  apiFetch('/databases/'+encodeURIComponent(name)+'/flush?mode=idle',{method:'POST'}).then(function(){
    refreshDatabases();
  });
}
function refreshAll(){
  Promise.all([refreshStatus(),refreshHealth(),refreshServers(),refreshDatabases()]);
}
refreshAll();
setInterval(refreshAll,5000);
</script>
</body>
</html>
`
