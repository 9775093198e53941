package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/santiago-project/santiago/internal/config"
)

func TestInitCommand(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		setupFunc func(t *testing.T, dir string)
		wantErr   bool
		errMsg    string
	}{
		{
			name: "creates a starter config",
			args: []string{"init"},
		},
		{
			name: "refuses to overwrite an existing config",
			args: []string{"init"},
			setupFunc: func(t *testing.T, dir string) {
				if err := os.WriteFile(filepath.Join(dir, "santiago.yml"), []byte("version: '1.0'"), 0644); err != nil {
					t.Fatal(err)
				}
			},
			wantErr: true,
			errMsg:  "already exists",
		},
		{
			name: "force flag allows reinitialization",
			args: []string{"init", "--force"},
			setupFunc: func(t *testing.T, dir string) {
				if err := os.WriteFile(filepath.Join(dir, "santiago.yml"), []byte("old content"), 0644); err != nil {
					t.Fatal(err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.setupFunc != nil {
				tt.setupFunc(t, dir)
			}

			originalDir, err := os.Getwd()
			if err != nil {
				t.Fatal(err)
			}
			defer os.Chdir(originalDir)

			if err := os.Chdir(dir); err != nil {
				t.Fatal(err)
			}

			forceInit = false
			rootCmd.SetArgs(tt.args)
			err = rootCmd.Execute()

			if (err != nil) != tt.wantErr {
				t.Errorf("Execute() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if tt.wantErr {
				if tt.errMsg != "" && !contains(err.Error(), tt.errMsg) {
					t.Errorf("Execute() error = %v, should contain %v", err.Error(), tt.errMsg)
				}
				return
			}

			// The generated file must load and validate as a working config.
			cfg, err := config.Load(filepath.Join(dir, "santiago.yml"))
			if err != nil {
				t.Fatalf("Generated santiago.yml does not load: %v", err)
			}

			if len(cfg.Ontology.EntityTypes) == 0 {
				t.Error("Expected the starter ontology to define entity types")
			}
			if !cfg.IsReviewer("marina") {
				t.Error("Expected the starter reviewer list to include marina")
			}
		})
	}
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
