// Package domain models weather tiles served as map overlays.
//
// # Raw data
//
// The remote source publishes one raw payload per observation hour and per
// geo tile. A geo tile is a slippy map tile at the fixed zoom returned by
// [GeoTileZoom]. Each payload carries one sample grid per weather band; a NaN
// sample means the source has no value there.
//
// # Coordinates
//
// Points use the 31-bit fixed-point encoding of the Web Mercator plane
// ([Point31]): X grows eastward from the antimeridian and Y grows southward
// from the northern Mercator limit, both spanning [0, 2^31). A tile at zoom z
// covers the 31-bit square [x<<(31-z), (x+1)<<(31-z)).
//
// # Layers
//
// Derived tiles are rendered at one of two layer zooms ([LayerCoarse] and
// [LayerFine]). Requests for other zooms are served by resampling the nearest
// layer, within the tolerances encoded in [LayerForZoom].
//
// # Bands
//
// Band numbering follows the source feed:
//
//	1 cloud cover (%)
//	2 temperature (°C)
//	3 pressure (hPa)
//	4 wind speed (m/s)
//	5 precipitation (mm)
//
// Contours and color ramps are configured per band by [GeoBandSettings].
package domain
