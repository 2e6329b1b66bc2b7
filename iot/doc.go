// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the device identity lifecycle on AWS IoT

The sub packages are:

	controlplane  the AWS IoT control plane API, and an in-memory implementation
	provisioning  provisioning and deprovisioning of thing, certificate and policy attachment
	secrets       storage for private key and certificate, on the filesystem or in S3
	policy        the device policy document and its evaluation
	device        the MQTT connection of a provisioned device
	mqtt          a local broker which authorizes devices like AWS IoT does
	rule          the handler of the topic rule on the publish topic

The policy, the topic rule and the rule handler Lambda are created by the deployment stack.
Provisioning only attaches the existing policy to new certificates.
*/
package iot
