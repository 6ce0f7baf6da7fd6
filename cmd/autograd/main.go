// Package main provides the autograd engine CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/born-ml/autograd/autograd"
	"github.com/born-ml/autograd/device"
	"github.com/born-ml/autograd/graph"
	"github.com/born-ml/autograd/tensor"
)

const version = "v0.0.1-dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("Born Autograd Engine %s\n", version)
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "demo" {
		demo()
		return
	}

	fmt.Println("Born Autograd Engine - reverse-mode autodiff scheduler for Go")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  demo       Run a tiny backward pass")
}

// demo accumulates a seed gradient into a single leaf.
func demo() {
	value, err := tensor.FromFloat32([]float32{1, 2, 3}, tensor.Shape{3}, device.CPUDevice)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	leaf := graph.NewLeaf("x", value)

	seed, err := tensor.Ones(tensor.Shape{3}, tensor.Float32, device.CPUDevice)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	eng := autograd.GetDefaultEngine()
	_, err = eng.Execute(context.Background(),
		[]graph.Edge{leaf.GradEdge(nil)},
		[]*tensor.RawTensor{seed},
		false, false, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("d/dx = %v\n", leaf.Grad().AsFloat32())
}
