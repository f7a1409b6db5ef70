package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"loopyprep/internal/models"
	"loopyprep/pkg/config"
	"loopyprep/pkg/geotiff"
	"loopyprep/pkg/header"
	"loopyprep/pkg/logger"
	"loopyprep/pkg/pipeline"
	"loopyprep/pkg/tiffio"
)

const usage = `Usage:
  loopyprep run <tiff> <output-dir> [--quality 90] [--scale 0.497e-6] [--preview DIR]
  loopyprep header <coords-table> <out.json> -sample NAME [-channel name=idx]... [-rgb]
                   [-spot-diam M] [-mpp M] [-image file.tif]... [-base-url URL]
  loopyprep inspect <tiff>
  loopyprep config <out.yaml|out.toml>

Configuration is read from $LOOPYPREP_CONFIG (default loopyprep.yaml) when present.
`

// stringList collects a repeated flag
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	configPath := os.Getenv("LOOPYPREP_CONFIG")
	if configPath == "" {
		configPath = "loopyprep.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg := logger.New(cfg.Log)

	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCmd(cfg, lg, args)
	case "header":
		err = headerCmd(cfg, lg, args)
	case "inspect":
		err = inspectCmd(args)
	case "config":
		err = configCmd(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		lg.Close()
		os.Exit(2)
	}

	lg.Close()
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

// parseArgs parses flags that may appear before, between or after the
// positional arguments and returns the positionals
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func runCmd(cfg *config.Config, lg *logger.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	quality := fs.Int("quality", cfg.Compression.Quality, "JPEG quality (1-100)")
	scale := fs.Float64("scale", cfg.Raster.Scale, "Pixel size in meters")
	preview := fs.String("preview", "", "Directory for JPEG quicklooks of every channel")
	previewSize := fs.Int("preview-size", pipeline.DefaultPreviewSize, "Longest side of a quicklook in pixels")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 2 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("expected <tiff> and <output-dir>, got %d arguments", len(pos))
	}

	params := pipeline.NewParams(cfg, pos[0], pos[1])
	params.Quality = *quality
	params.Scale = *scale
	params.PreviewDir = *preview
	params.PreviewSize = *previewSize

	fmt.Printf("Converting %s into %s with %d cores...\n", pos[0], pos[1], params.NumCores)
	startTime := time.Now()
	finals, err := pipeline.NewConverter(params, lg).Process()
	if err != nil {
		return err
	}

	fmt.Printf("\nConversion completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
	for _, f := range finals {
		fmt.Printf("- %s\n", f)
	}
	return nil
}

func headerCmd(cfg *config.Config, lg *logger.Logger, args []string) error {
	fs := flag.NewFlagSet("header", flag.ExitOnError)
	sample := fs.String("sample", "", "Sample name")
	isRGB := fs.Bool("rgb", false, "Image is an RGB image")
	spotDiam := fs.Float64("spot-diam", cfg.Spot.SpotDiam, "Spot diameter in meters")
	mPerPx := fs.Float64("mpp", cfg.Spot.MPerPx, "Meters per pixel")
	baseURL := fs.String("base-url", "", "URL prefix of the image and header files")
	var channels, images stringList
	fs.Var(&channels, "channel", "Channel as name=index (repeatable)")
	fs.Var(&images, "image", "Image file listed in the image parameters (repeatable)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 2 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("expected <coords-table> and <out.json>, got %d arguments", len(pos))
	}
	tablePath, outPath := pos[0], pos[1]

	channelMap, err := header.ParseChannelMap(channels)
	if err != nil {
		return err
	}
	spot, err := models.NewSpotParams(*spotDiam, *mPerPx)
	if err != nil {
		return err
	}

	table, err := header.LoadTable(tablePath)
	if err != nil {
		return err
	}
	defer table.Release()

	h, err := header.Build(table, *sample, channelMap, spot, *isRGB)
	if err != nil {
		return err
	}
	if err := header.Write(outPath, h); err != nil {
		return err
	}
	lg.Infof("Wrote header for %s with %d spots and %d channels to %s", h.Sample(), h.NumCoords(), len(channelMap), outPath)

	if len(images) > 0 {
		paramsPath := strings.TrimSuffix(outPath, ".json") + ".params.json"
		if err := header.WriteImageParams(paramsPath, header.NewImageParams(images, outPath, *baseURL)); err != nil {
			return err
		}
		lg.Infof("Wrote image parameters to %s", paramsPath)
	}
	return nil
}

// inspectCmd prints the directory structure and georeferencing of a TIFF
func inspectCmd(args []string) error {
	if len(args) != 1 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("expected <tiff>, got %d arguments", len(args))
	}
	pages, err := tiffio.Inspect(args[0])
	if err != nil {
		return err
	}

	for _, p := range pages {
		kind := "image"
		if p.IsOverview() {
			kind = "overview"
		}
		layout := "strips"
		if p.Tiled() {
			layout = fmt.Sprintf("%dx%d tiles", p.TileWidth, p.TileHeight)
		}
		fmt.Printf("Directory %d (%s): %dx%d, %d x %v, photometric %d, compression %d, %s\n",
			p.Index, kind, p.Width, p.Height, p.Samples, p.DType, p.Photometric, p.Compression, layout)
		if offsets := p.DataOffsets(); len(offsets) > 0 {
			fmt.Printf("  Data: %d blocks from offset %d\n", len(offsets), offsets[0])
		}

		if tr, ok := geotiff.TransformFromTags(p.PixelScale, p.Tiepoint, p.Transformation); ok {
			fmt.Printf("  Transform: %v\n", tr)
		}
		if crs, ok := geotiff.DecodeCRS(p.GeoKeys); ok {
			fmt.Printf("  CRS: %v\n", crs)
		}
		if p.GDALMetadata != "" {
			stats, err := geotiff.DecodeStats(p.GDALMetadata)
			if err != nil {
				fmt.Printf("  Unreadable metadata: %v\n", err)
				continue
			}
			for b := 0; b < p.Samples; b++ {
				if s, ok := stats[b]; ok {
					fmt.Printf("  Band %d: min=%g max=%g mean=%g stddev=%g\n", b+1, s.Min, s.Max, s.Mean, s.StdDev)
				}
			}
		}
	}
	return nil
}

func configCmd(args []string) error {
	if len(args) != 1 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("expected <out.yaml|out.toml>, got %d arguments", len(args))
	}
	if err := config.CreateDefaultConfigFile(args[0]); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", args[0])
	return nil
}
