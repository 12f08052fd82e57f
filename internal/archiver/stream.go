package archiver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"coldtrail/internal/audit"
	"coldtrail/internal/partition"
	"coldtrail/pkg/platform/atomicfile"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// exportRow mirrors audit.Columns field-for-field so the CSV and JSON
// artifacts are diffable row-for-row.
type exportRow struct {
	TS             string `json:"ts"`
	ActorRole      string `json:"actor_role"`
	CenterScope    string `json:"center_scope"`
	Action         string `json:"action"`
	ResourceType   string `json:"resource_type"`
	ResourceID     string `json:"resource_id"`
	JobID          string `json:"job_id"`
	RequestID      string `json:"request_id"`
	Outcome        string `json:"outcome"`
	ErrorCode      string `json:"error_code"`
	ArtifactSHA256 string `json:"artifact_sha256"`
}

type streamed struct {
	rows int64
	csv  Artifact
	json Artifact
}

// writeArtifacts streams the window's rows once, feeding the CSV and JSON
// writers from the same pass, then commits both files atomically and hashes
// them. On any error the temp files are discarded and nothing appears at the
// final paths.
func (a *Archiver) writeArtifacts(ctx context.Context, w partition.Window, dir string) (streamed, error) {
	csvPath := filepath.Join(dir, CSVName(w.Key))
	jsonPath := filepath.Join(dir, JSONName(w.Key))

	csvFile, err := atomicfile.Create(csvPath)
	if err != nil {
		return streamed{}, fmt.Errorf("open csv artifact: %w", err)
	}
	defer csvFile.Abort()
	jsonFile, err := atomicfile.Create(jsonPath)
	if err != nil {
		return streamed{}, fmt.Errorf("open json artifact: %w", err)
	}
	defer jsonFile.Abort()

	csvW := bufio.NewWriter(csvFile)
	jsonW := bufio.NewWriter(jsonFile)

	if a.withBOM {
		csvW.Write(utf8BOM)
	}
	writeCSVRow(csvW, audit.Columns)

	var rows int64
	err = a.source.StreamRange(ctx, w.Start, w.End, a.fetchSize, func(e audit.Event) error {
		fields := a.exportFields(e)
		writeCSVRow(csvW, fields)

		obj, err := json.Marshal(rowFromFields(fields))
		if err != nil {
			return fmt.Errorf("encode json row: %w", err)
		}
		if rows > 0 {
			jsonW.WriteString("\r\n")
		}
		jsonW.Write(obj)
		rows++
		return nil
	})
	if err != nil {
		return streamed{}, fmt.Errorf("stream rows: %w", err)
	}
	if err := csvW.Flush(); err != nil {
		return streamed{}, fmt.Errorf("flush csv artifact: %w", err)
	}
	if err := jsonW.Flush(); err != nil {
		return streamed{}, fmt.Errorf("flush json artifact: %w", err)
	}

	if err := csvFile.Commit(); err != nil {
		return streamed{}, fmt.Errorf("commit csv artifact: %w", err)
	}
	if err := jsonFile.Commit(); err != nil {
		return streamed{}, fmt.Errorf("commit json artifact: %w", err)
	}

	out := streamed{rows: rows}
	var g errgroup.Group
	g.Go(func() error {
		art, err := hashArtifact(csvPath)
		out.csv = art
		return err
	})
	g.Go(func() error {
		art, err := hashArtifact(jsonPath)
		out.json = art
		return err
	})
	if err := g.Wait(); err != nil {
		return streamed{}, err
	}
	return out, nil
}

func hashArtifact(path string) (Artifact, error) {
	digest, size, err := HashFile(path)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Name: filepath.Base(path), Path: path, SHA256: digest, Size: size}, nil
}

// exportFields sanitizes every field and formats the timestamp in the archive
// timezone, in audit.Columns order.
func (a *Archiver) exportFields(e audit.Event) []string {
	clean := a.clean.Clean
	return []string{
		clean(e.TS.In(a.planner.Location()).Format(timeFormat)),
		clean(e.ActorRole),
		clean(e.CenterScope),
		clean(e.Action),
		clean(e.ResourceType),
		clean(e.ResourceID),
		clean(e.JobID),
		clean(e.RequestID),
		clean(e.Outcome),
		clean(e.ErrorCode),
		clean(e.ArtifactSHA256),
	}
}

func rowFromFields(f []string) exportRow {
	return exportRow{
		TS:             f[0],
		ActorRole:      f[1],
		CenterScope:    f[2],
		Action:         f[3],
		ResourceType:   f[4],
		ResourceID:     f[5],
		JobID:          f[6],
		RequestID:      f[7],
		Outcome:        f[8],
		ErrorCode:      f[9],
		ArtifactSHA256: f[10],
	}
}

// writeCSVRow emits one CRLF-terminated record with every field quoted,
// doubling embedded quotes. Write errors surface on the final Flush.
func writeCSVRow(w *bufio.Writer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte(',')
		}
		w.WriteByte('"')
		w.WriteString(strings.ReplaceAll(f, `"`, `""`))
		w.WriteByte('"')
	}
	w.WriteString("\r\n")
}
