package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

// buildAgentImage builds buildContext's Dockerfile.agent into imageName, the
// image a template's Environment.Image then references. Called once per
// image tag from Manager.BuildImage, which caches on success so a busy pool
// spawning many members off the same template doesn't rebuild per member.
func buildAgentImage(ctx context.Context, docker *client.Client, buildContext, imageName string) error {
	tar, err := goarchive.TarWithOptions(buildContext, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context from %s: %w", buildContext, err)
	}

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: "Dockerfile.agent",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", imageName, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "image", imageName, "error", err)
	}

	slog.Info("agent image built", "image", imageName, "context", buildContext)
	return nil
}
