package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keithlinneman/fullstack-deploy/internal/cfn"
	"github.com/keithlinneman/fullstack-deploy/internal/deploy"
)

func writeProject(t *testing.T, config string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "client", "dist"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fullstack.yml"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func run(t *testing.T, a *app, args ...string) (string, string, error) {
	t.Helper()
	if a == nil {
		a = &app{newClients: func(context.Context, bool) (deploy.Clients, error) {
			t.Fatal("unexpected AWS client load")
			return deploy.Clients{}, nil
		}}
	}
	cmd := buildRootCmd(a)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, nil, "-V")
	if err != nil {
		t.Fatalf("-V: %v", err)
	}
	if !strings.HasPrefix(out, "fullstack") {
		t.Fatalf("version output = %q", out)
	}
}

func TestValidate(t *testing.T) {
	dir := writeProject(t, "bucketName: site\n")
	out, _, err := run(t, nil, "validate",
		"--config", filepath.Join(dir, "fullstack.yml"),
		"--project-dir", dir,
		"--service", "shop",
		"--stage", "prod",
	)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "shop-prod-site") {
		t.Fatalf("output = %q", out)
	}
}

func TestValidate_ReportsProblems(t *testing.T) {
	dir := writeProject(t, "distributionFolder: build\n")
	_, _, err := run(t, nil, "validate",
		"--config", filepath.Join(dir, "fullstack.yml"),
		"--project-dir", dir,
		"--service", "shop",
	)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"bucket name", "Could not find 'build' folder"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestMissingServiceRejected(t *testing.T) {
	dir := writeProject(t, "bucketName: site\n")
	_, _, err := run(t, nil, "validate", "--config", filepath.Join(dir, "fullstack.yml"), "--project-dir", dir)
	if err == nil || !strings.Contains(err.Error(), "SERVICE is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestCompose_WritesJSON(t *testing.T) {
	dir := writeProject(t, "bucketName: site\nsinglePageApp: true\n")
	outFile := filepath.Join(dir, "out.json")
	_, _, err := run(t, nil, "compose",
		"--config", filepath.Join(dir, "fullstack.yml"),
		"--project-dir", dir,
		"--service", "shop",
		"--stage", "prod",
		"--region", "eu-west-1",
		"--rest-api-id", "abc",
		"--out", outFile,
	)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	tmpl := cfn.New(doc)
	if !tmpl.HasResource(cfn.OAIID) {
		t.Fatal("single page app should keep the origin access identity")
	}
	name, _ := cfn.String(tmpl.Doc(), "Resources", cfn.BucketID, "Properties", "BucketName")
	if name != "shop-prod-site" {
		t.Fatalf("BucketName = %q", name)
	}
}

func TestCompose_YAMLToStdout(t *testing.T) {
	dir := writeProject(t, "bucketName: site\n")
	out, _, err := run(t, nil, "compose",
		"--config", filepath.Join(dir, "fullstack.yml"),
		"--project-dir", dir,
		"--service", "shop",
		"--format", "yaml",
	)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if _, err := cfn.Parse([]byte(out)); err != nil {
		t.Fatalf("stdout is not a template: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Resources:") {
		t.Fatalf("expected YAML, got %q", out)
	}
}

func TestDeploy_ClientLoadFailure(t *testing.T) {
	dir := writeProject(t, "bucketName: site\n")
	wantErr := errors.New("no credentials")
	a := &app{newClients: func(context.Context, bool) (deploy.Clients, error) {
		return deploy.Clients{}, wantErr
	}}
	_, _, err := run(t, a, "deploy",
		"--config", filepath.Join(dir, "fullstack.yml"),
		"--project-dir", dir,
		"--service", "shop",
	)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
