package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drovekit/drover/pkg/api"
	"github.com/drovekit/drover/pkg/client"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply manifests from a YAML file",
	Long: `Apply drover resources from a YAML file. A file may hold several
documents separated by ---; each document names a kind of Job or Pool.

Examples:
  # Create a pool
  drover apply -f pool.yaml

  # Submit every job in a batch file
  drover apply -f jobs.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// manifest is one document in an apply stream. Spec stays raw until the
// kind selects the schema to decode it against.
type manifest struct {
	APIVersion string    `yaml:"apiVersion"`
	Kind       string    `yaml:"kind"`
	Spec       yaml.Node `yaml:"spec"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	defer f.Close()

	c := apiClient(cmd)
	dec := yaml.NewDecoder(f)
	applied := 0
	for {
		var m manifest
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to parse %s: %w", filename, err)
		}
		if m.Kind == "" && m.Spec.IsZero() {
			continue
		}
		if err := applyManifest(c, &m); err != nil {
			return err
		}
		applied++
	}

	if applied == 0 {
		return fmt.Errorf("no resources in %s", filename)
	}
	return nil
}

func applyManifest(c *client.Client, m *manifest) error {
	if m.APIVersion != "" && m.APIVersion != "drover/v1" {
		return fmt.Errorf("unsupported apiVersion: %s", m.APIVersion)
	}

	switch m.Kind {
	case "Job":
		var req api.SubmitJobRequest
		if err := m.Spec.Decode(&req); err != nil {
			return fmt.Errorf("invalid job spec: %w", err)
		}
		resp, err := c.SubmitJob(&req)
		if err != nil {
			return fmt.Errorf("failed to submit job: %w", err)
		}
		fmt.Printf("✓ Job queued: %s (ID: %s)\n", resp.Job.Name, resp.Job.ID)
		return nil

	case "Pool":
		var req api.CreatePoolRequest
		if err := m.Spec.Decode(&req); err != nil {
			return fmt.Errorf("invalid pool spec: %w", err)
		}

		// Pools are not updated in place; an existing one is left alone.
		if existing, err := c.GetPool(req.Name); err == nil && existing != nil {
			fmt.Printf("Pool already exists: %s (skipping)\n", req.Name)
			return nil
		}

		resp, err := c.CreatePool(&req)
		if err != nil {
			return fmt.Errorf("failed to create pool: %w", err)
		}
		return reportPoolOutcome(resp)

	default:
		return fmt.Errorf("unsupported resource kind: %q", m.Kind)
	}
}
