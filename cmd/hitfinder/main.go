package main

import (
	"encoding/binary"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"diffractionhitfinder/internal/models"
	"diffractionhitfinder/pkg/config"
	"diffractionhitfinder/pkg/geometry"
	"diffractionhitfinder/pkg/hitfinder"
	"diffractionhitfinder/pkg/mask"
	"diffractionhitfinder/pkg/peaks"
	"diffractionhitfinder/pkg/radialbins"
	"diffractionhitfinder/pkg/streaks"
)

func main() {
	inputDir := flag.String("input", "", "Directory containing raw frame files (flat float32 binaries, one panel-image each)")
	configPath := flag.String("config", "", "Path to a YAML configuration file (defaults used if absent)")
	geometryFile := flag.String("geometry", "", "CSV file of per-pixel physical positions (overrides the config file's detector.geometryFile)")
	maskFile := flag.String("mask", "", "Optional flat uint8 bad-pixel mask file, one byte per pixel")
	outputDir := flag.String("output", "", "Output directory setting (overrides the config file's run.outputDir); the summary is printed to stdout and no files are written")
	concurrency := flag.Int("concurrency", 0, "Number of frames to process in parallel (0 = keep the config file's run.concurrency)")
	verbose := flag.Bool("verbose", false, "Print a progress bar to stderr while frames are processed")
	flag.Parse()

	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *geometryFile != "" {
		cfg.Detector.GeometryFile = *geometryFile
	}
	if *outputDir != "" {
		cfg.Run.OutputDir = *outputDir
	}
	if *concurrency > 0 {
		cfg.Run.Concurrency = *concurrency
	}
	if *verbose {
		cfg.Run.Verbose = true
	}

	if cfg.Detector.GeometryFile == "" {
		log.Fatalf("a geometry file is required: pass -geometry or set detector.geometryFile in the config")
	}

	fmt.Println("================================")
	fmt.Println("SERIAL CRYSTALLOGRAPHY HIT FINDER")
	fmt.Println("================================")

	format := geometry.RawFormat{
		AsicNx:  cfg.Detector.AsicNx,
		AsicNy:  cfg.Detector.AsicNy,
		NAsicsX: cfg.Detector.NAsicsX,
		NAsicsY: cfg.Detector.NAsicsY,
	}

	position, err := loadPositionMap(cfg.Detector.GeometryFile, format.PixNn())
	if err != nil {
		log.Fatalf("failed to load geometry file: %v", err)
	}
	geom, err := geometry.Build(format, position)
	if err != nil {
		log.Fatalf("failed to build detector geometry: %v", err)
	}

	dense := make(mask.Dense, format.PixNn())
	if *maskFile != "" {
		dense, err = loadDenseMask(*maskFile, format.PixNn())
		if err != nil {
			log.Fatalf("failed to load mask file: %v", err)
		}
	}

	radiusMap := make([]float64, format.PixNn())
	for _, p := range geom.Panels {
		for ss := p.MinSs; ss <= p.MaxSs; ss++ {
			for fs := p.MinFs; fs <= p.MaxFs; fs++ {
				pt := position[ss*format.PixNx()+fs]
				radiusMap[ss*format.PixNx()+fs] = pt.Norm()
			}
		}
	}

	allPanels := make([]int, len(geom.Panels))
	for i := range allPanels {
		allPanels[i] = i
	}

	bins, err := radialbins.Build(geom, dense, radiusMap, position, allPanels, allPanels, radialbins.AccuracyConstants{
		MinValuesPerBin:           cfg.RadialBins.MinValuesPerBin,
		MinBinWidth:               cfg.RadialBins.MinBinWidth,
		MaxConsideredValuesPerBin: cfg.RadialBins.MaxConsideredValuesPerBin,
		Rank:                      cfg.RadialBins.Rank,
	})
	if err != nil {
		log.Fatalf("failed to precompute radial bins: %v", err)
	}

	var streakConstants streaks.AccuracyConstants
	var streakPrecomputed *streaks.PrecomputedConstants
	if cfg.Streaks.Enabled {
		streakConstants = streaks.AccuracyConstants{
			FilterLength:                  cfg.Streaks.FilterLength,
			MinFilterLength:               cfg.Streaks.MinFilterLength,
			FilterStep:                    cfg.Streaks.FilterStep,
			SigmaFactor:                   cfg.Streaks.SigmaFactor,
			StreakElongationMinStepsCount: cfg.Streaks.StreakElongationMinStepsCount,
			StreakElongationRadiusFactor:  cfg.Streaks.StreakElongationRadiusFactor,
			StreakPixelMaskRadius:         cfg.Streaks.StreakPixelMaskRadius,
			BackgroundEstimationRegions:   cfg.StreakRectangles(),
		}
		for _, pt := range cfg.Streaks.PixelsToCheck {
			streakConstants.PixelsToCheck = append(streakConstants.PixelsToCheck, models.Point2D{X: pt.Fs, Y: pt.Ss})
		}
		streakPrecomputed, err = streaks.Precompute(streakConstants, geom, dense)
		if err != nil {
			log.Fatalf("failed to precompute streak tables: %v", err)
		}
	}

	frames, err := loadFrames(*inputDir, format.PixNn())
	if err != nil {
		log.Fatalf("failed to load frames: %v", err)
	}
	if len(frames) == 0 {
		log.Fatalf("no frame files found in %s", *inputDir)
	}

	opts := hitfinder.RunOptions{
		Geometry:            geom,
		Bins:                bins,
		AdcThresh:           cfg.Background.AdcThresh,
		MinSNR:              cfg.Background.MinSNR,
		ThresholdIterations: cfg.Background.ThresholdIterations,

		RunRadialPeaks: cfg.RadialPeaks.Enabled,
		RadialOpts: peaks.RadialOptions{
			AdcThresh:     cfg.RadialPeaks.AdcThresh,
			MinSNR:        cfg.RadialPeaks.MinSNR,
			MinPixCount:   cfg.RadialPeaks.MinPixCount,
			MaxPixCount:   cfg.RadialPeaks.MaxPixCount,
			LocalBgRadius: cfg.RadialPeaks.LocalBgRadius,
			MaxNumPeaks:   cfg.RadialPeaks.MaxNumPeaks,
			Concurrency:   cfg.Run.Concurrency,
		},

		RunLocalPeaks: cfg.LocalPeaks.Enabled,
		LocalOpts: peaks.LocalOptions{
			WindowRadius:                      cfg.LocalPeaks.WindowRadius,
			MinimumPeakOversizeOverNeighbours: cfg.LocalPeaks.MinimumPeakOversizeOverNeighbours,
			SigmaFactorBiggestPixel:           cfg.LocalPeaks.SigmaFactorBiggestPixel,
			SigmaFactorPeakPixel:              cfg.LocalPeaks.SigmaFactorPeakPixel,
			SigmaFactorWholePeak:              cfg.LocalPeaks.SigmaFactorWholePeak,
			MinimumSigma:                      cfg.LocalPeaks.MinimumSigma,
			MaxNumPeaks:                       cfg.LocalPeaks.MaxNumPeaks,
			DoubleBackgroundEstimationWindow:  cfg.LocalPeaks.DoubleBackgroundEstimationWindow,
		},

		RunStreaks:        cfg.Streaks.Enabled,
		StreakConstants:   streakConstants,
		StreakPrecomputed: streakPrecomputed,

		Concurrency: cfg.Run.Concurrency,
	}

	runner := hitfinder.NewRunner(opts)
	if !cfg.Run.Verbose {
		runner.SetProgressCallback(func(processed, total int, elapsed time.Duration) {})
	}

	fmt.Printf("Processing %d frames from %s...\n", len(frames), *inputDir)
	startTime := time.Now()
	results, err := runner.Run(frames, radiusMap, dense)
	if err != nil {
		log.Fatalf("hit finding failed: %v", err)
	}
	processingTime := time.Since(startTime)

	hits := 0
	totalRadialPeaks := 0
	totalLocalPeaks := 0
	totalStreakPixels := 0
	for _, res := range results {
		if res.Err != nil {
			log.Printf("frame %d (%s): %v", res.Index, res.Source, res.Err)
			continue
		}
		frameHit := false
		if res.RadialPeaks != nil {
			totalRadialPeaks += res.RadialPeaks.Len()
			if res.RadialPeaks.Len() > 0 {
				frameHit = true
			}
		}
		if res.LocalPeaks != nil {
			totalLocalPeaks += res.LocalPeaks.Len()
			if res.LocalPeaks.Len() > 0 {
				frameHit = true
			}
		}
		totalStreakPixels += res.StreaksMasked
		if frameHit {
			hits++
		}
	}

	fmt.Printf("\nRun completed in %.2f seconds\n\n", processingTime.Seconds())
	fmt.Printf("Hit Finding Summary:\n")
	fmt.Printf("====================\n")
	fmt.Printf("Frames processed:      %d\n", len(frames))
	fmt.Printf("Frames with hits:      %d (%.1f%%)\n", hits, 100*float64(hits)/float64(len(frames)))
	fmt.Printf("Total radial peaks:    %d\n", totalRadialPeaks)
	fmt.Printf("Total local peaks:     %d\n", totalLocalPeaks)
	fmt.Printf("Total streak pixels:   %d\n", totalStreakPixels)
	fmt.Printf("Concurrency used:      %d\n", cfg.Run.Concurrency)
	fmt.Printf("Frames per second:     %.2f\n", float64(len(frames))/processingTime.Seconds())
}

// loadPositionMap reads a CSV file of "fs,ss,x,y" rows and returns the
// raster-order physical position map geometry.Build expects. pixNx is
// recovered from the largest fs column seen.
func loadPositionMap(path string, pixNn int) ([]models.Point2D, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing geometry csv: %w", err)
	}

	type row struct {
		fs, ss int
		x, y   float64
	}
	rows := make([]row, 0, len(records))
	maxFs := 0
	for _, rec := range records {
		if len(rec) != 4 {
			continue
		}
		fs, err1 := strconv.Atoi(rec[0])
		ss, err2 := strconv.Atoi(rec[1])
		x, err3 := strconv.ParseFloat(rec[2], 64)
		y, err4 := strconv.ParseFloat(rec[3], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		if fs > maxFs {
			maxFs = fs
		}
		rows = append(rows, row{fs, ss, x, y})
	}
	if len(rows) != pixNn {
		return nil, fmt.Errorf("geometry csv has %d data rows, expected pix_nn=%d", len(rows), pixNn)
	}

	pixNx := maxFs + 1
	out := make([]models.Point2D, pixNn)
	for _, r := range rows {
		idx := r.ss*pixNx + r.fs
		if idx < 0 || idx >= pixNn {
			return nil, fmt.Errorf("geometry csv row (fs=%d,ss=%d) out of bounds for pix_nn=%d", r.fs, r.ss, pixNn)
		}
		out[idx] = models.Point2D{X: r.x, Y: r.y}
	}

	return out, nil
}

// loadFrames reads every regular file in dir as a flat little-endian
// float32 binary of length pixNn, sorted by filename for a deterministic
// frame index assignment.
func loadFrames(dir string, pixNn int) ([]models.Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	frames := make([]models.Frame, 0, len(names))
	for i, name := range names {
		data, err := readFloat32Binary(filepath.Join(dir, name), pixNn)
		if err != nil {
			return nil, fmt.Errorf("frame %s: %w", name, err)
		}
		frames = append(frames, models.Frame{Data: data, Index: i, Source: name})
	}
	return frames, nil
}

func readFloat32Binary(path string, pixNn int) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != pixNn*4 {
		return nil, fmt.Errorf("expected %d bytes (pix_nn=%d float32), got %d", pixNn*4, pixNn, len(raw))
	}
	out := make([]float32, pixNn)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

func loadDenseMask(path string, pixNn int) (mask.Dense, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != pixNn {
		return nil, fmt.Errorf("expected %d bytes (pix_nn=%d), got %d", pixNn, pixNn, len(raw))
	}
	return mask.Dense(raw), nil
}
