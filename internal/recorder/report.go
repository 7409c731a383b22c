package recorder

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	"nexus/server/internal/errkind"
)

type reportData struct {
	RunID       string
	Status      string
	Final       bool
	GeneratedAt string
	StartTime   string
	EndTime     string
	Duration    string
	ReplayURL   string
	Device      DeviceInfo
	Screenshots []Screenshot
	Actions     []reportAction
	Commands    []string
	Metrics     reportMetrics
}

type reportAction struct {
	Time   string
	Action string
	Level  string
	Step   int
	Detail string
}

type reportMetrics struct {
	TotalTime      string
	StepsCompleted int
	AvgStepTime    string
}

// GenerateReport renders the run report. The initial flavor overwrites
// report.html while the run progresses; the final flavor adds the replay URL
// and lands in nexus_report.html. The latest write is authoritative.
func (r *Recorder) GenerateReport(isFinal bool) (string, error) {
	data := r.buildReportData(isFinal)
	filename := initialReportFileName
	if isFinal {
		filename = finalReportFileName
	}
	path := filepath.Join(r.runDir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", errkind.Wrap(errkind.ArtifactIO, "report create failed", err)
	}
	if err := reportTemplate.Execute(f, data); err != nil {
		_ = f.Close()
		return "", errkind.Wrap(errkind.ArtifactIO, "report render failed", err)
	}
	if err := f.Close(); err != nil {
		return "", errkind.Wrap(errkind.ArtifactIO, "report close failed", err)
	}
	return path, nil
}

func (r *Recorder) buildReportData(isFinal bool) reportData {
	end := r.endTime
	if end.IsZero() {
		end = nowFunc()
	}
	duration := end.Sub(r.startTime)
	avg := time.Duration(0)
	if r.stepsCompleted > 0 {
		avg = duration / time.Duration(r.stepsCompleted)
	}

	actions := make([]reportAction, 0, len(r.actions))
	for _, entry := range r.actions {
		actions = append(actions, reportAction{
			Time:   entry.Timestamp.UTC().Format(time.RFC3339),
			Action: entry.Action,
			Level:  entry.Level,
			Step:   entry.Step,
			Detail: fmt.Sprintf("%v", entry.Data),
		})
	}

	data := reportData{
		RunID:       r.runID,
		Status:      r.status,
		Final:       isFinal,
		GeneratedAt: nowFunc().UTC().Format(time.RFC3339),
		StartTime:   r.startTime.UTC().Format(time.RFC3339),
		Duration:    duration.Round(time.Millisecond).String(),
		Device:      r.device,
		Screenshots: r.Screenshots(),
		Actions:     actions,
		Commands:    append([]string(nil), r.commands...),
		Metrics: reportMetrics{
			TotalTime:      duration.Round(time.Millisecond).String(),
			StepsCompleted: r.stepsCompleted,
			AvgStepTime:    avg.Round(time.Millisecond).String(),
		},
	}
	if !r.endTime.IsZero() {
		data.EndTime = r.endTime.UTC().Format(time.RFC3339)
	}
	if isFinal {
		data.ReplayURL = "/replay/" + r.runID
	}
	return data
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Run {{.RunID}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 24px; color: #1a1a2e; }
h1 { font-size: 20px; }
.badge { display: inline-block; padding: 2px 10px; border-radius: 10px; color: #fff; font-size: 13px; }
.badge.running { background: #2563eb; }
.badge.completed { background: #16a34a; }
.badge.failed { background: #dc2626; }
table { border-collapse: collapse; margin: 12px 0; }
td, th { border: 1px solid #d4d4d8; padding: 4px 10px; text-align: left; font-size: 13px; }
.grid { display: flex; flex-wrap: wrap; gap: 12px; }
.grid figure { margin: 0; width: 180px; }
.grid img { width: 100%; border: 1px solid #d4d4d8; border-radius: 4px; }
.grid figcaption { font-size: 11px; color: #52525b; }
details { margin: 2px 0; font-size: 13px; }
summary { cursor: pointer; }
.log-error summary { color: #dc2626; }
.log-warning summary { color: #d97706; }
.metrics span { margin-right: 18px; }
footer { margin-top: 24px; font-size: 11px; color: #71717a; }
</style>
</head>
<body>
<h1>Run {{.RunID}} <span class="badge {{.Status}}">{{.Status}}</span></h1>
<div class="metrics">
<span>Started: {{.StartTime}}</span>
{{if .EndTime}}<span>Ended: {{.EndTime}}</span>{{end}}
<span>Duration: {{.Duration}}</span>
<span>Steps completed: {{.Metrics.StepsCompleted}}</span>
<span>Avg step time: {{.Metrics.AvgStepTime}}</span>
</div>
{{if .ReplayURL}}<p><a href="{{.ReplayURL}}">Replay this run</a></p>{{end}}
<h2>Device</h2>
<table>
{{if .Device.Model}}<tr><th>Model</th><td>{{.Device.Model}}</td></tr>{{end}}
{{if .Device.Manufacturer}}<tr><th>Manufacturer</th><td>{{.Device.Manufacturer}}</td></tr>{{end}}
{{if .Device.AndroidVersion}}<tr><th>Android</th><td>{{.Device.AndroidVersion}}</td></tr>{{end}}
{{if .Device.SDKLevel}}<tr><th>SDK</th><td>{{.Device.SDKLevel}}</td></tr>{{end}}
{{if .Device.CPUABI}}<tr><th>ABI</th><td>{{.Device.CPUABI}}</td></tr>{{end}}
{{if .Device.UDID}}<tr><th>UDID</th><td>{{.Device.UDID}}</td></tr>{{end}}
{{if .Device.ConnectionKind}}<tr><th>Connection</th><td>{{.Device.ConnectionKind}}</td></tr>{{end}}
</table>
{{if .Commands}}
<h2>Command history</h2>
<ol>
{{range .Commands}}<li>{{.}}</li>
{{end}}</ol>
{{end}}
<h2>Screenshots</h2>
<div class="grid">
{{range .Screenshots}}<figure>
<img src="{{.URL}}" alt="{{.Name}}" loading="lazy">
<figcaption>step {{.Step}} &middot; {{.Name}}</figcaption>
</figure>
{{end}}</div>
<h2>Action log</h2>
{{range .Actions}}<details class="log-{{.Level}}">
<summary>{{.Time}} [{{.Level}}] step {{.Step}} {{.Action}}</summary>
<div>{{.Detail}}</div>
</details>
{{end}}
<footer>Generated at {{.GeneratedAt}}{{if .Final}} (final){{end}}</footer>
</body>
</html>
`))
